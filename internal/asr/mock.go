package asr

// mockPhrases rotate by whole seconds of audio so placeholder output is
// deterministic for a given input length.
var mockPhrases = []string{
	"hello, how can I help you today",
	"this is a placeholder transcript",
	"the speech model is not installed",
	"testing one two three",
	"please check the model directory",
}

func mockTranscript(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	return mockPhrases[int(seconds)%len(mockPhrases)]
}
