package faultq

// Producer writes tasks into the ring the way the fault subsystem does. The
// queue must have a single producer.
type Producer struct {
	queue *Queue
}

// NewProducer returns a producer over q.
func NewProducer(q *Queue) *Producer {
	return &Producer{queue: q}
}

// Push publishes va in the slot at head and advances head. The slot starts a
// new task with its processed flag cleared; head never reaches tail, so the
// slot's previous task has always been consumed.
func (p *Producer) Push(va uint64) error {
	head, tail, err := p.queue.indices()
	if err != nil {
		return err
	}
	next := (head + 1) % Capacity
	if next == tail {
		return ErrQueueFull
	}
	p.queue.writeSlot(int(head), va)
	p.queue.setHead(next)
	return nil
}

// Reclaim advances tail past processed slots, as the fault subsystem does
// when consumers run with TailObserveOnly. It returns the number reclaimed.
func (p *Producer) Reclaim() (int, error) {
	n := 0
	for {
		head, tail, err := p.queue.indices()
		if err != nil {
			return n, err
		}
		if head == tail || !p.queue.Processed(int(tail)) {
			return n, nil
		}
		p.queue.setTail((tail + 1) % Capacity)
		n++
	}
}
