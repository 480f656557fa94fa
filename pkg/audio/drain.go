package audio

// Drain reads from ch until it is closed. Call it on a synthesis channel
// whose audio is no longer wanted so the producer can exit.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
