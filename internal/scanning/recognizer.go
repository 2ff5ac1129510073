package scanning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Image is a captured photo of a medicine package
type Image struct {
	Data        []byte
	ContentType string
}

// Recognizer reads the text printed in an image
type Recognizer interface {
	// Recognize returns the text found in img, or "" when there is none
	Recognize(ctx context.Context, img Image) (string, error)
	// Close releases the engine's resources
	Close() error
}

// noTextMarker is what the vision models are told to answer for an unreadable image
const noTextMarker = "NO_TEXT"

// transcribePrompt is the shared prompt used by all OCR providers
const transcribePrompt = `You are reading the packaging of a medicine. Transcribe all printed text you can see in the image, exactly as written, line by line.

Important:
- Include brand names, generic (active ingredient) names, strengths and dosage forms
- Do not translate, summarize or correct the text
- Do not add commentary before or after the text
- Do not use markdown code blocks
- If no text is legible, reply with exactly ` + noTextMarker

// cleanTranscript strips model formatting from a transcript. An image
// the model could not read yields "".
func cleanTranscript(text string) string {
	text = strings.TrimSpace(text)

	// Remove markdown code blocks if present
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if nl := strings.IndexByte(text, '\n'); nl >= 0 && !strings.Contains(text[:nl], " ") {
			text = text[nl+1:] // language tag line
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}

	if strings.EqualFold(text, noTextMarker) {
		return ""
	}
	return text
}

// Engine is the shared recognition engine. The underlying Recognizer is
// created on first use and kept until Close; a failed start is retried on
// the next call.
type Engine struct {
	open func() (Recognizer, error)

	mu         sync.Mutex
	recognizer Recognizer
}

// NewEngine creates an Engine that starts its recognizer with open
func NewEngine(open func() (Recognizer, error)) *Engine {
	return &Engine{open: open}
}

func (e *Engine) get() (Recognizer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.recognizer == nil {
		recognizer, err := e.open()
		if err != nil {
			return nil, fmt.Errorf("starting recognizer: %w", err)
		}
		slog.Info("Recognition engine started")
		e.recognizer = recognizer
	}
	return e.recognizer, nil
}

// Recognize implements Recognizer
func (e *Engine) Recognize(ctx context.Context, img Image) (string, error) {
	recognizer, err := e.get()
	if err != nil {
		return "", err
	}
	return recognizer.Recognize(ctx, img)
}

// Close tears the recognizer down. A later Recognize starts a new one.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.recognizer == nil {
		return nil
	}
	err := e.recognizer.Close()
	e.recognizer = nil
	return err
}
