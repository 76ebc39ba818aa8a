package broker

// Broker is a minimal fan-out pub/sub helper. Subscribers receive
// every message published after their subscription; a slow subscriber
// blocks the broker loop, so consumers should drain promptly.
type Broker[T any] struct {
	stopCh    chan struct{}
	publishCh chan T
	subCh     chan chan T
	unsubCh   chan chan T
}

func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{
		stopCh:    make(chan struct{}),
		publishCh: make(chan T, 1),
		subCh:     make(chan chan T, 1),
		unsubCh:   make(chan chan T, 1),
	}
}

// Start runs the broker loop. It blocks until Stop is called, and so
// should usually be spawned in it's own goroutine.
func (broker *Broker[T]) Start() {
	subscribers := map[chan T]struct{}{}
	for {
		select {
		case <-broker.stopCh:
			for ch := range subscribers {
				close(ch)
			}
			return
		case ch := <-broker.subCh:
			subscribers[ch] = struct{}{}
		case ch := <-broker.unsubCh:
			if _, ok := subscribers[ch]; ok {
				delete(subscribers, ch)
				close(ch)
			}
		case msg := <-broker.publishCh:
			for ch := range subscribers {
				ch <- msg
			}
		}
	}
}

func (broker *Broker[T]) Stop() {
	close(broker.stopCh)
}

func (broker *Broker[T]) Subscribe() chan T {
	ch := make(chan T, 5)
	broker.subCh <- ch
	return ch
}

func (broker *Broker[T]) Unsubscribe(ch chan T) {
	broker.unsubCh <- ch
}

func (broker *Broker[T]) Publish(msg T) {
	broker.publishCh <- msg
}
