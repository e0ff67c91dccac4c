package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Worker Pool", func() {
	var (
		wp  *Pool
		ctx context.Context
	)

	BeforeEach(func() {
		var err error
		wp, err = NewPool(&Config{NumWorkers: 4, QueueSize: 16})
		Expect(err).NotTo(HaveOccurred())
		ctx = context.Background()
	})

	AfterEach(func() {
		wp.Close()
	})

	Describe("Submit", func() {
		It("runs submitted jobs", func() {
			var ran atomic.Bool
			Expect(wp.Submit(ctx, Job{Key: "c1", Run: func() { ran.Store(true) }})).To(Succeed())

			Eventually(ran.Load).Should(BeTrue())
		})

		It("returns ErrPoolClosed after Close", func() {
			wp.Close()
			err := wp.Submit(ctx, Job{Key: "c1", Run: func() {}})
			Expect(err).To(MatchError(ErrPoolClosed))
		})

		It("gives up when the context is done while the queue is full", func() {
			small, err := NewPool(&Config{NumWorkers: 1, QueueSize: 1})
			Expect(err).NotTo(HaveOccurred())

			release := make(chan struct{})
			started := make(chan struct{})
			Expect(small.Submit(ctx, Job{Key: "c1", Run: func() { close(started); <-release }})).To(Succeed())
			Eventually(started).Should(BeClosed())
			Expect(small.Submit(ctx, Job{Key: "c1", Run: func() {}})).To(Succeed())

			short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()
			Expect(small.Submit(short, Job{Key: "c1", Run: func() {}})).To(MatchError(context.DeadlineExceeded))

			close(release)
			small.Close()
		})
	})

	Describe("Ordering", func() {
		It("runs jobs with the same key strictly in submission order", func() {
			var (
				mu    sync.Mutex
				order []int
			)

			for i := 0; i < 50; i++ {
				Expect(wp.Submit(ctx, Job{Key: "c1", Run: func() {
					time.Sleep(time.Millisecond)
					mu.Lock()
					order = append(order, i)
					mu.Unlock()
				}})).To(Succeed())
			}
			wp.Close()

			Expect(order).To(HaveLen(50))
			for i, got := range order {
				Expect(got).To(Equal(i))
			}
		})

		It("never overlaps jobs that share a key", func() {
			var inFlight, overlaps atomic.Int32

			var wg sync.WaitGroup
			for g := 0; g < 8; g++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					for i := 0; i < 10; i++ {
						Expect(wp.Submit(ctx, Job{Key: "shared", Run: func() {
							if inFlight.Add(1) > 1 {
								overlaps.Add(1)
							}
							time.Sleep(100 * time.Microsecond)
							inFlight.Add(-1)
						}})).To(Succeed())
					}
				}()
			}
			wg.Wait()
			wp.Close()

			Expect(overlaps.Load()).To(BeZero())
		})

		It("runs different keys in parallel", func() {
			var inFlight, peak atomic.Int32
			release := make(chan struct{})

			for i := 0; i < 16; i++ {
				Expect(wp.Submit(ctx, Job{Key: fmt.Sprintf("chat-%d", i), Run: func() {
					n := inFlight.Add(1)
					for {
						p := peak.Load()
						if n <= p || peak.CompareAndSwap(p, n) {
							break
						}
					}
					<-release
					inFlight.Add(-1)
				}})).To(Succeed())
			}

			Eventually(peak.Load).Should(BeNumerically(">", 1))
			Expect(peak.Load()).To(BeNumerically("<=", 4))
			close(release)
		})
	})

	Describe("Close", func() {
		It("drains queued jobs before returning", func() {
			var done atomic.Int32
			for i := 0; i < 20; i++ {
				Expect(wp.Submit(ctx, Job{Key: fmt.Sprintf("k%d", i%3), Run: func() { done.Add(1) }})).To(Succeed())
			}
			wp.Close()

			Expect(done.Load()).To(BeEquivalentTo(20))
		})

		It("survives a panicking job", func() {
			var after atomic.Bool
			Expect(wp.Submit(ctx, Job{Key: "c1", Run: func() { panic("boom") }})).To(Succeed())
			Expect(wp.Submit(ctx, Job{Key: "c1", Run: func() { after.Store(true) }})).To(Succeed())

			Eventually(after.Load).Should(BeTrue())
		})
	})
})
