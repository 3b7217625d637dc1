package bridge

import "fmt"

const (
	localPortMin = 26000
	// localPortMax is exclusive.
	localPortMax      = 65535
	localPortAttempts = 50
)

// allocatePort tries up to attempts uniformly random ports in
// [localPortMin, localPortMax) and returns the first socket that opens.
func allocatePort(open OpenFunc, intn func(n int) int, attempts int) (LocalSocket, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		port := localPortMin + intn(localPortMax-localPortMin)
		sock, err := open(port)
		if err == nil {
			return sock, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w in range %d-%d after %d attempts: %v", ErrPortsExhausted, localPortMin, localPortMax, attempts, lastErr)
}
