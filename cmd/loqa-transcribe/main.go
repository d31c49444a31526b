// Command loqa-transcribe runs the speech model over WAV files without a bus,
// inspects an installed model, or sends files to a running loqad node.
//
// Usage:
//
//	loqa-transcribe file  --model-dir ./models/parakeet-tdt input.wav
//	loqa-transcribe inspect --model-dir ./models/parakeet-tdt
//	loqa-transcribe remote --server nats://localhost:4222 input.wav
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
