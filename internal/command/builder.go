// Package command turns a job's declarative arguments into the literal
// argument vector for the image-generation binary.
//
// Tokenization happens once, when a single command string is split into
// words. From then on arguments are passed to exec without any shell, so
// quoting inside an argument is never re-interpreted.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"
)

const (
	// InputPlaceholder is replaced by the staged input image path.
	InputPlaceholder = "{INPUT}"

	// InputFlag is appended with the input path when an image was staged
	// but no placeholder consumed it.
	InputFlag = "-i"

	// OutputFlag is always appended with the worker-controlled output path.
	OutputFlag = "-o"

	modelRefPrefix = "{MODEL:"
	modelRefSuffix = "}"
)

var (
	// ErrInvalidCommandArgs is returned when cmd_args is neither a string nor
	// an array of strings.
	ErrInvalidCommandArgs = errors.New("cmd_args must be a string or list")

	// ErrPlaceholderWithoutInput is returned when {INPUT} is used but no
	// image was provided.
	ErrPlaceholderWithoutInput = errors.New("Command used {INPUT} placeholder but no image provided.")
)

// Tokenize splits s into words using POSIX shell rules (quotes and
// backslash escapes). No expansion of any kind is performed.
func Tokenize(s string) ([]string, error) {
	words, err := shellquote.Split(s)
	if err != nil {
		return nil, fmt.Errorf("cmd_args could not be split: %w", err)
	}
	return words, nil
}

// ParseArgs decodes a raw cmd_args value into an argument list.
func ParseArgs(raw json.RawMessage) ([]string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, fmt.Errorf("%w: cmd_args is required", ErrInvalidCommandArgs)
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, ErrInvalidCommandArgs
		}
		return Tokenize(s)
	case '[':
		var list []string
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, ErrInvalidCommandArgs
		}
		if list == nil {
			list = []string{}
		}
		return list, nil
	default:
		return nil, ErrInvalidCommandArgs
	}
}

// ResolveModels replaces {MODEL:<name>} arguments with the resolved path of
// model <name>. Unknown names are a validation error.
func ResolveModels(args []string, models map[string]string) ([]string, error) {
	out := make([]string, len(args))
	for i, arg := range args {
		name, ok := modelRef(arg)
		if !ok {
			out[i] = arg
			continue
		}
		path, found := models[name]
		if !found {
			return nil, fmt.Errorf("unknown model %q referenced in cmd_args", name)
		}
		out[i] = path
	}
	return out, nil
}

func modelRef(arg string) (string, bool) {
	if !strings.HasPrefix(arg, modelRefPrefix) || !strings.HasSuffix(arg, modelRefSuffix) {
		return "", false
	}
	name := strings.TrimSuffix(strings.TrimPrefix(arg, modelRefPrefix), modelRefSuffix)
	return name, name != ""
}

// Build returns the argument vector binary + args + [-i input] + -o output.
//
// Every argument exactly equal to InputPlaceholder becomes inputPath. When
// inputPath is set and no placeholder was substituted, "-i inputPath" is
// appended. "-o outputPath" is always appended last so the worker, not the
// caller, decides where output lands. An empty inputPath means no image was
// staged.
func Build(binary string, args []string, inputPath, outputPath string) ([]string, error) {
	if binary == "" {
		return nil, fmt.Errorf("binary path is empty")
	}
	if outputPath == "" {
		return nil, fmt.Errorf("output path is empty")
	}

	argv := make([]string, 0, len(args)+5)
	argv = append(argv, binary)

	substituted := false
	for _, arg := range args {
		if arg != InputPlaceholder {
			argv = append(argv, arg)
			continue
		}
		if inputPath == "" {
			return nil, ErrPlaceholderWithoutInput
		}
		argv = append(argv, inputPath)
		substituted = true
	}

	if inputPath != "" && !substituted {
		argv = append(argv, InputFlag, inputPath)
	}

	return append(argv, OutputFlag, outputPath), nil
}

// UsesPlaceholder reports whether args contains InputPlaceholder.
func UsesPlaceholder(args []string) bool {
	for _, arg := range args {
		if arg == InputPlaceholder {
			return true
		}
	}
	return false
}
