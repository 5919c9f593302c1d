package reactor

type channelSource[T any] struct {
	ch <-chan T
	fn func(T)
}

// Channel adapts a channel into a Source calling fn on the loop for every value.
// The source ends when the channel is closed.
func Channel[T any](ch <-chan T, fn func(T)) Source {
	return &channelSource[T]{ch: ch, fn: fn}
}

func (s *channelSource[T]) Run(post func(func()), stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case v, ok := <-s.ch:
			if !ok {
				return
			}
			post(func() { s.fn(v) })
		}
	}
}
