package leasekit

import (
	"errors"
	"testing"
)

func TestParseProvider(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		input    string
		expected Provider
	}{
		{input: "github", expected: ProviderGitHub},
		{input: " GitHub ", expected: ProviderGitHub},
		{input: "gitlab", expected: ProviderGitLab},
		{input: "BITBUCKET", expected: ProviderBitbucket},
	}
	for _, testCase := range testCases {
		provider, err := ParseProvider(testCase.input)
		if err != nil {
			t.Fatalf("ParseProvider(%q) failed: %v", testCase.input, err)
		}
		if provider != testCase.expected {
			t.Fatalf("ParseProvider(%q) = %q, expected %q", testCase.input, provider, testCase.expected)
		}
	}
}

func TestParseProviderRejectsUnknown(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"", "myspace", "git hub"} {
		if _, err := ParseProvider(input); !errors.Is(err, ErrUnknownProvider) {
			t.Fatalf("ParseProvider(%q) expected ErrUnknownProvider, got %v", input, err)
		}
	}
}
