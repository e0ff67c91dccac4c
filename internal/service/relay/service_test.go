package relay_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zhouzirui/z-relay/internal/events"
	"github.com/zhouzirui/z-relay/internal/model/chat"
	"github.com/zhouzirui/z-relay/internal/service/ai"
	chatservice "github.com/zhouzirui/z-relay/internal/service/chat"
	"github.com/zhouzirui/z-relay/internal/service/dispatch"
	"github.com/zhouzirui/z-relay/internal/service/relay"
	"github.com/zhouzirui/z-relay/internal/worker"
)

type sentMessage struct {
	id   chat.ConversationID
	text string
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []sentMessage
	failOn int
}

func (f *fakeSender) SendText(_ context.Context, id chat.ConversationID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn > 0 && len(f.sent)+1 == f.failOn {
		return errors.New("chat api unavailable")
	}
	f.sent = append(f.sent, sentMessage{id: id, text: text})
	return nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.text)
	}
	return out
}

type fakeInferrer struct {
	mu     sync.Mutex
	calls  [][]ai.Block
	answer func(blocks []ai.Block) (string, error)
}

func (f *fakeInferrer) Infer(_ context.Context, blocks []ai.Block) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, blocks)
	f.mu.Unlock()
	return f.answer(blocks)
}

func (f *fakeInferrer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeFetcher struct {
	image chat.Image
	err   error
	refs  []string
}

func (f *fakeFetcher) Fetch(_ context.Context, fileRef string) (chat.Image, error) {
	f.refs = append(f.refs, fileRef)
	return f.image, f.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.PipelineEvent
}

func (p *recordingPublisher) PublishOutcome(_ context.Context, event *events.PipelineEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func lastText(blocks []ai.Block) string {
	for i := len(blocks) - 1; i >= 0; i-- {
		if blocks[i].Kind == ai.BlockText {
			return blocks[i].Text
		}
	}
	return ""
}

func contents(turns []chat.Turn) []string {
	out := make([]string, 0, len(turns))
	for _, t := range turns {
		out = append(out, string(t.Role)+":"+t.Content)
	}
	return out
}

var _ = Describe("Service", func() {
	const conv = chat.ConversationID("42")

	var (
		ctx       context.Context
		store     *chatservice.Store
		sender    *fakeSender
		inferrer  *fakeInferrer
		fetcher   *fakeFetcher
		publisher *recordingPublisher
		cfg       relay.Config
		svc       *relay.Service
	)

	build := func() {
		svc = relay.NewService(ctx, relay.Dependencies{
			Store:      store,
			Prompts:    ai.NewPromptBuilder(store, ai.DefaultPromptConfig()),
			Inference:  inferrer,
			Dispatcher: dispatch.New(sender, dispatch.DefaultChunkLimit, nil),
			Fetcher:    fetcher,
			Notifier:   sender,
			Publisher:  publisher,
		}, cfg, nil)
	}

	BeforeEach(func() {
		ctx = context.Background()
		store = chatservice.NewStore(chatservice.DefaultMaxHistory)
		sender = &fakeSender{}
		inferrer = &fakeInferrer{answer: func([]ai.Block) (string, error) { return "Hi there", nil }}
		fetcher = &fakeFetcher{image: chat.Image{Data: []byte{0xff, 0xd8, 0xff}, MIMEType: "image/jpeg"}}
		publisher = &recordingPublisher{}
		cfg = relay.Config{MinTextLength: 3, NotifyOnFailure: true, ImageAck: true}
		build()
	})

	Describe("text messages", func() {
		It("answers a greeting on an empty conversation", func() {
			outcome := svc.Handle(ctx, chat.TextMessage{Conversation: conv, Text: "Hello"})

			Expect(outcome.State).To(Equal(relay.StateCompleted))
			Expect(outcome.Err).NotTo(HaveOccurred())
			Expect(outcome.Chunks).To(Equal(1))

			Expect(inferrer.calls).To(HaveLen(1))
			blocks := inferrer.calls[0]
			Expect(blocks).To(HaveLen(2))
			Expect(blocks[1].Text).To(Equal("User now: Hello"))

			Expect(sender.texts()).To(Equal([]string{"Hi there"}))
			Expect(contents(store.History(conv))).To(Equal([]string{"user:Hello", "assistant:Hi there"}))
			Expect(outcome.Trail).To(Equal([]relay.State{
				relay.StateReceived,
				relay.StateValidated,
				relay.StatePromptAssembled,
				relay.StateInferred,
				relay.StateCompleted,
			}))
		})

		It("records the user turn before the backend is called", func() {
			var atInference []string
			inferrer.answer = func([]ai.Block) (string, error) {
				atInference = contents(store.History(conv))
				return "Hi there", nil
			}

			svc.Handle(ctx, chat.TextMessage{Conversation: conv, Text: "Hello"})

			Expect(atInference).To(Equal([]string{"user:Hello"}))
		})

		It("includes earlier turns in the prompt", func() {
			svc.Handle(ctx, chat.TextMessage{Conversation: conv, Text: "Hello"})
			svc.Handle(ctx, chat.TextMessage{Conversation: conv, Text: "And now?"})

			blocks := inferrer.calls[1]
			Expect(blocks).To(HaveLen(4))
			Expect(blocks[1].Text).To(Equal("User: Hello"))
			Expect(blocks[2].Text).To(Equal("Assistant: Hi there"))
			Expect(blocks[3].Text).To(Equal("User now: And now?"))
		})

		It("splits long answers into ordered chunks", func() {
			long := strings.Repeat("a", 9000)
			inferrer.answer = func([]ai.Block) (string, error) { return long, nil }

			outcome := svc.Handle(ctx, chat.TextMessage{Conversation: conv, Text: "Tell me everything"})

			Expect(outcome.Chunks).To(Equal(3))
			sent := sender.texts()
			Expect(sent).To(HaveLen(3))
			Expect(len(sent[0])).To(Equal(4000))
			Expect(len(sent[1])).To(Equal(4000))
			Expect(len(sent[2])).To(Equal(1000))
			Expect(strings.Join(sent, "")).To(Equal(long))
		})

		It("keeps only the most recent turns", func() {
			for i := 0; i < 6; i++ {
				svc.Handle(ctx, chat.TextMessage{Conversation: conv, Text: fmt.Sprintf("message %d", i)})
			}

			history := store.History(conv)
			Expect(history).To(HaveLen(chatservice.DefaultMaxHistory))
			Expect(history[0].Content).To(Equal("message 1"))
			Expect(history[9].Content).To(Equal("Hi there"))
		})

		It("asks for more detail when the text is too short", func() {
			outcome := svc.Handle(ctx, chat.TextMessage{Conversation: conv, Text: " hi "})

			Expect(outcome.State).To(Equal(relay.StateAborted))
			Expect(outcome.Err).To(MatchError(relay.ErrValidationRejected))
			Expect(inferrer.callCount()).To(BeZero())
			Expect(sender.texts()).To(Equal([]string{relay.DefaultNotices().TooShort}))
			Expect(store.Len(conv)).To(BeZero())
		})

		It("rejects unsupported content", func() {
			outcome := svc.Handle(ctx, chat.UnsupportedMessage{Conversation: conv, Kind: "sticker"})

			Expect(outcome.State).To(Equal(relay.StateAborted))
			Expect(outcome.AbortedAt).To(Equal(relay.StateReceived))
			Expect(outcome.Trail).To(Equal([]relay.State{relay.StateReceived, relay.StateAborted}))
			Expect(outcome.Err).To(MatchError(relay.ErrValidationRejected))
			Expect(sender.texts()).To(Equal([]string{relay.DefaultNotices().Unsupported}))
		})
	})

	Describe("image messages", func() {
		It("uses the image default prompt and a placeholder turn when there is no caption", func() {
			outcome := svc.Handle(ctx, chat.ImageMessage{Conversation: conv, FileRef: "photo-big"})

			Expect(outcome.State).To(Equal(relay.StateCompleted))
			Expect(fetcher.refs).To(Equal([]string{"photo-big"}))

			blocks := inferrer.calls[0]
			Expect(blocks[len(blocks)-1].Kind).To(Equal(ai.BlockInline))
			Expect(blocks[len(blocks)-1].MIMEType).To(Equal("image/jpeg"))
			Expect(lastText(blocks)).To(Equal("User now: Describe the content of the image"))

			Expect(sender.texts()).To(Equal([]string{relay.DefaultNotices().ImageAck, "Hi there"}))
			Expect(contents(store.History(conv))).To(Equal([]string{"user:[image]", "assistant:Hi there"}))
		})

		It("uses the caption as the request text", func() {
			svc.Handle(ctx, chat.ImageMessage{Conversation: conv, FileRef: "photo", Caption: "What is this?"})

			Expect(lastText(inferrer.calls[0])).To(Equal("User now: What is this?"))
			Expect(store.History(conv)[0].Content).To(Equal("What is this?"))
		})

		It("skips the acknowledgement when disabled", func() {
			cfg.ImageAck = false
			build()

			svc.Handle(ctx, chat.ImageMessage{Conversation: conv, FileRef: "photo"})
			Expect(sender.texts()).To(Equal([]string{"Hi there"}))
		})

		It("aborts before inference when the image cannot be retrieved", func() {
			fetcher.err = errors.New("404 not found")

			outcome := svc.Handle(ctx, chat.ImageMessage{Conversation: conv, FileRef: "gone"})

			Expect(outcome.State).To(Equal(relay.StateAborted))
			Expect(outcome.AbortedAt).To(Equal(relay.StateImageFetch))
			Expect(outcome.Trail).To(Equal([]relay.State{
				relay.StateReceived,
				relay.StateValidated,
				relay.StateImageFetch,
				relay.StateAborted,
			}))
			Expect(outcome.Err).To(MatchError(relay.ErrRetrieval))
			Expect(inferrer.callCount()).To(BeZero())
			Expect(store.Len(conv)).To(BeZero())
		})
	})

	Describe("inference failures", func() {
		BeforeEach(func() {
			inferrer.answer = func([]ai.Block) (string, error) {
				return "", fmt.Errorf("%w: connection reset", ai.ErrInferenceTransport)
			}
		})

		It("sends one fallback notice under the notify policy", func() {
			var atInference []string
			inferrer.answer = func([]ai.Block) (string, error) {
				atInference = contents(store.History(conv))
				return "", fmt.Errorf("%w: connection reset", ai.ErrInferenceTransport)
			}

			outcome := svc.Handle(ctx, chat.TextMessage{Conversation: conv, Text: "Hello"})

			Expect(atInference).To(Equal([]string{"user:Hello"}))
			Expect(outcome.State).To(Equal(relay.StateAborted))
			Expect(outcome.AbortedAt).To(Equal(relay.StatePromptAssembled))
			Expect(outcome.Err).To(MatchError(ai.ErrInferenceTransport))
			Expect(sender.texts()).To(Equal([]string{relay.DefaultNotices().Failure}))
			Expect(contents(store.History(conv))).To(Equal([]string{"user:Hello"}))
		})

		It("stays silent under the silent policy", func() {
			cfg.NotifyOnFailure = false
			build()

			outcome := svc.Handle(ctx, chat.TextMessage{Conversation: conv, Text: "Hello"})

			Expect(outcome.State).To(Equal(relay.StateAborted))
			Expect(sender.texts()).To(BeEmpty())
		})
	})

	It("reports delivery failures but still completes", func() {
		sender.failOn = 1

		outcome := svc.Handle(ctx, chat.TextMessage{Conversation: conv, Text: "Hello"})

		Expect(outcome.State).To(Equal(relay.StateCompleted))
		Expect(outcome.Err).To(MatchError(dispatch.ErrDelivery))
		Expect(store.Len(conv)).To(Equal(2))
	})

	It("publishes one event per message", func() {
		svc.Handle(ctx, chat.TextMessage{Conversation: conv, Text: "Hello"})
		svc.Handle(ctx, chat.TextMessage{Conversation: conv, Text: "?"})

		Expect(publisher.events).To(HaveLen(2))
		Expect(publisher.events[0].State).To(Equal(string(relay.StateCompleted)))
		Expect(publisher.events[0].MessageKind).To(Equal("text"))
		Expect(publisher.events[0].ConversationID).To(Equal("42"))
		Expect(publisher.events[1].State).To(Equal(string(relay.StateAborted)))
		Expect(publisher.events[1].ErrorKind).To(Equal("validation_rejected"))
		Expect(publisher.events[1].AbortedAt).To(Equal(string(relay.StateReceived)))
		Expect(publisher.events[0].TraceID).NotTo(Equal(publisher.events[1].TraceID))
	})

	Describe("Submit", func() {
		var pool *worker.Pool

		BeforeEach(func() {
			var err error
			pool, err = worker.NewPool(&worker.Config{NumWorkers: 4, QueueSize: 16})
			Expect(err).NotTo(HaveOccurred())

			inferrer.answer = func(blocks []ai.Block) (string, error) {
				return "re: " + strings.TrimPrefix(lastText(blocks), "User now: "), nil
			}
			svc = relay.NewService(ctx, relay.Dependencies{
				Store:      store,
				Prompts:    ai.NewPromptBuilder(store, ai.DefaultPromptConfig()),
				Inference:  inferrer,
				Dispatcher: dispatch.New(sender, dispatch.DefaultChunkLimit, nil),
				Fetcher:    fetcher,
				Notifier:   sender,
				Pool:       pool,
			}, cfg, nil)
		})

		It("handles messages of one conversation in arrival order", func() {
			for i := 0; i < 5; i++ {
				Expect(svc.Submit(ctx, chat.TextMessage{Conversation: conv, Text: fmt.Sprintf("msg %d", i)})).To(Succeed())
			}
			svc.Close()

			Expect(contents(store.History(conv))).To(Equal([]string{
				"user:msg 0", "assistant:re: msg 0",
				"user:msg 1", "assistant:re: msg 1",
				"user:msg 2", "assistant:re: msg 2",
				"user:msg 3", "assistant:re: msg 3",
				"user:msg 4", "assistant:re: msg 4",
			}))
		})

		It("keeps conversations isolated", func() {
			Expect(svc.Submit(ctx, chat.TextMessage{Conversation: "a", Text: "from a"})).To(Succeed())
			Expect(svc.Submit(ctx, chat.TextMessage{Conversation: "b", Text: "from b"})).To(Succeed())
			svc.Close()

			Expect(contents(store.History("a"))).To(Equal([]string{"user:from a", "assistant:re: from a"}))
			Expect(contents(store.History("b"))).To(Equal([]string{"user:from b", "assistant:re: from b"}))
		})

		It("refuses messages after Close", func() {
			svc.Close()
			err := svc.Submit(ctx, chat.TextMessage{Conversation: conv, Text: "late"})
			Expect(err).To(MatchError(worker.ErrPoolClosed))
		})
	})
})
