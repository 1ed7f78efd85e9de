package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to release a producer goroutine when the remaining values of a
// streaming channel (e.g. a superseded session's message channel) are no
// longer wanted.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
