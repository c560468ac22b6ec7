package voice

import (
	"reflect"
	"testing"
)

func TestSegmenterSplitsOnSentenceBoundaries(t *testing.T) {
	s := NewSentenceSegmenter()

	got := s.Push("Hello there. How are")
	if !reflect.DeepEqual(got, []string{"Hello there."}) {
		t.Fatalf("Push() = %v, want [Hello there.]", got)
	}

	got = s.Push(" you today? I am fine")
	if !reflect.DeepEqual(got, []string{"How are you today?"}) {
		t.Fatalf("Push() = %v, want [How are you today?]", got)
	}

	if rest := s.Flush(); rest != "I am fine" {
		t.Fatalf("Flush() = %q, want %q", rest, "I am fine")
	}
	if rest := s.Flush(); rest != "" {
		t.Fatalf("second Flush() = %q, want empty", rest)
	}
}

func TestSegmenterKeepsDecimalsIntact(t *testing.T) {
	s := NewSentenceSegmenter()
	got := s.Push("Pi is 3.14159 roughly. Next")
	if !reflect.DeepEqual(got, []string{"Pi is 3.14159 roughly."}) {
		t.Fatalf("Push() = %v", got)
	}
}

func TestSegmenterGroupsRepeatedTerminators(t *testing.T) {
	s := NewSentenceSegmenter()
	got := s.Push("Really?! Yes... maybe. ")
	want := []string{"Really?!", "Yes...", "maybe."}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Push() = %v, want %v", got, want)
	}
}

func TestSegmenterNewlineIsBoundary(t *testing.T) {
	s := NewSentenceSegmenter()
	got := s.Push("First line\nSecond line")
	if !reflect.DeepEqual(got, []string{"First line"}) {
		t.Fatalf("Push() = %v", got)
	}
	if rest := s.Flush(); rest != "Second line" {
		t.Fatalf("Flush() = %q", rest)
	}
}

func TestSanitizeSpeechText(t *testing.T) {
	in := "Check [the docs](https://example.com/x) and `code` **bold** ❤️"
	got := sanitizeSpeechText(in)
	if got != "Check the docs and bold" {
		t.Fatalf("sanitizeSpeechText() = %q", got)
	}
}

func TestSanitizeDropsFencedCode(t *testing.T) {
	got := sanitizeSpeechText("Run this:\n```go\nfmt.Println(1)\n```\nDone.")
	if got != "Run this: Done." {
		t.Fatalf("sanitizeSpeechText() = %q", got)
	}
}
