package dab

import (
	"container/heap"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/dab-bridge/core/element"
)

// millis converts a wire duration in milliseconds to a time.Duration.
func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

type sampleFunc func() (*element.Element, error)

// telemetryJob is one recurring telemetry subject. The empty subject is
// device telemetry, any other subject is per-application telemetry.
type telemetryJob struct {
	subject  string
	topic    string
	interval time.Duration
	next     time.Time
	seq      uint64
	sample   sampleFunc
	index    int
}

// jobQueue orders jobs by deadline, insertion order breaking ties.
type jobQueue []*telemetryJob

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].next.Equal(q[j].next) {
		return q[i].seq < q[j].seq
	}
	return q[i].next.Before(q[j].next)
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x any) {
	job := x.(*telemetryJob)
	job.index = len(*q)
	*q = append(*q, job)
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return job
}

// scheduler runs the periodic telemetry jobs of one device. A single worker
// goroutine waits for the earliest deadline, samples, publishes
// {"topic":...,"payload":...} and reschedules. The mutex is released around
// the sampler and the publish call, so samplers may call back into start or
// stop without deadlocking.
type scheduler struct {
	mu        sync.Mutex
	queue     jobQueue
	bySubject map[string]*telemetryJob
	nextSeq   uint64
	exiting   bool

	wake    chan struct{}
	done    chan struct{}
	publish func(*element.Element)
	rlog    *logrus.Entry
}

func newScheduler(publish func(*element.Element), rlog *logrus.Entry) *scheduler {
	s := &scheduler{
		bySubject: make(map[string]*telemetryJob),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		publish:   publish,
		rlog:      rlog,
	}
	go s.worker()
	return s
}

// add registers a job for the subject. An existing job for the same subject
// keeps its current deadline and only has its interval updated; the new
// interval applies from the next firing on. A new job fires immediately
// once.
func (s *scheduler) add(interval time.Duration, subject, topic string, sample sampleFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.bySubject[subject]; ok {
		job.interval = interval
		s.wakeWorker()
		return
	}
	job := &telemetryJob{
		subject:  subject,
		topic:    topic,
		interval: interval,
		next:     time.Now(),
		seq:      s.nextSeq,
		sample:   sample,
	}
	s.nextSeq++
	s.bySubject[subject] = job
	heap.Push(&s.queue, job)
	s.wakeWorker()
}

// remove deletes the subject's job, if any.
func (s *scheduler) remove(subject string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.bySubject[subject]
	if !ok {
		return
	}
	delete(s.bySubject, subject)
	if job.index >= 0 && job.index < len(s.queue) && s.queue[job.index] == job {
		heap.Remove(&s.queue, job.index)
	}
	s.wakeWorker()
}

func (s *scheduler) wakeWorker() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// shutdown stops the worker and waits for it, including any in-flight
// sampler call.
func (s *scheduler) shutdown() {
	s.mu.Lock()
	if s.exiting {
		s.mu.Unlock()
		return
	}
	s.exiting = true
	s.mu.Unlock()
	s.wakeWorker()
	<-s.done
}

func (s *scheduler) worker() {
	defer close(s.done)
	for {
		s.mu.Lock()
		if s.exiting {
			s.mu.Unlock()
			return
		}

		if len(s.queue) > 0 && !s.queue[0].next.After(time.Now()) {
			job := heap.Pop(&s.queue).(*telemetryJob)
			s.mu.Unlock()

			s.fire(job)

			s.mu.Lock()
			// the job may have been stopped while the sampler ran
			if s.bySubject[job.subject] == job && !s.exiting {
				job.next = time.Now().Add(job.interval)
				heap.Push(&s.queue, job)
			}
			s.mu.Unlock()
			continue
		}

		var timer *time.Timer
		var deadline <-chan time.Time
		if len(s.queue) > 0 {
			timer = time.NewTimer(time.Until(s.queue[0].next))
			deadline = timer.C
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-deadline:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// fire samples one job and publishes the result. Sampler failures are
// logged, never fatal for the worker.
func (s *scheduler) fire(job *telemetryJob) {
	sample, err := job.sample()
	if err != nil {
		s.rlog.WithError(err).Errorln("telemetry sampler failed for topic", job.topic)
		return
	}
	env := element.NewObject().Set("topic", job.topic).Set("payload", sample)
	s.publish(env)
}
