package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to release a producer that may still be blocked on a send after
// the consumer has stopped reading (e.g., a [Stream] frame channel during
// shutdown).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
