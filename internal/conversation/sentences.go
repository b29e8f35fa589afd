package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/aihub/voice/pkg/provider/llm"
)

// forwardSentences reads token chunks from ch, cuts them into sentences and
// calls speak for each one in order. Text left over when the stream ends is
// spoken as a final fragment. It returns the first error from speak, a
// mid-stream provider error, or ctx's error.
func forwardSentences(ctx context.Context, ch <-chan llm.Chunk, speak func(string) error) error {
	var buf strings.Builder
	flush := func() error {
		if buf.Len() == 0 {
			return nil
		}
		s := buf.String()
		buf.Reset()
		return speak(s)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				return flush()
			}
			if chunk.FinishReason == llm.FinishReasonError {
				return fmt.Errorf("conversation: stream completion: %w", chunk.Err)
			}
			buf.WriteString(chunk.Text)

			for {
				s := buf.String()
				idx := firstSentenceBoundary(s)
				if idx < 0 {
					break
				}
				buf.Reset()
				buf.WriteString(strings.TrimLeft(s[idx+1:], " \t\n\r"))
				if err := speak(s[:idx+1]); err != nil {
					return err
				}
			}

			if chunk.FinishReason != "" {
				return flush()
			}
		}
	}
}

// firstSentenceBoundary returns the index of the first '.', '!' or '?' that
// is immediately followed by whitespace, or -1.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}

// drainChunks discards the rest of a stream so the provider goroutine can
// exit.
func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}
