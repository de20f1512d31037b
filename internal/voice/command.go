// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"
)

// TextPlaceholder in a synthesizer command is replaced by the text to speak.
// Without it the text is written to the command's stdin.
const TextPlaceholder = "{text}"

// splitCommand splits a command line on whitespace. Quoting is not
// interpreted.
func splitCommand(line string) ([]string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, errors.New("empty voice command")
	}
	return fields, nil
}

// Available reports whether the program of a command line is on PATH.
func Available(line string) bool {
	fields, err := splitCommand(line)
	if err != nil {
		return false
	}
	_, err = exec.LookPath(fields[0])
	return err == nil
}

// =============================================================================
// SYNTHESIZER
// =============================================================================

// CommandSynthesizer speaks by running an external program such as
// `espeak --stdin` or `say`.
type CommandSynthesizer struct {
	line string
}

// NewCommandSynthesizer creates a synthesizer for a command line.
func NewCommandSynthesizer(line string) *CommandSynthesizer {
	return &CommandSynthesizer{line: line}
}

// Speak implements Synthesizer. Cancelling ctx kills the program.
func (s *CommandSynthesizer) Speak(ctx context.Context, text string) error {
	fields, err := splitCommand(s.line)
	if err != nil {
		return err
	}

	useStdin := true
	args := make([]string, 0, len(fields)-1)
	for _, f := range fields[1:] {
		if strings.Contains(f, TextPlaceholder) {
			f = strings.ReplaceAll(f, TextPlaceholder, text)
			useStdin = false
		}
		args = append(args, f)
	}

	cmd := exec.CommandContext(ctx, fields[0], args...)
	if useStdin {
		cmd.Stdin = strings.NewReader(text)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	log.WithFields(log.Fields{"program": fields[0], "chars": len(text)}).Debug("speaking")
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w: %s", fields[0], err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// =============================================================================
// RECOGNIZER
// =============================================================================

// CommandRecognizer runs a program that records one utterance and prints
// its transcript on stdout.
type CommandRecognizer struct {
	line string
}

// NewCommandRecognizer creates a recognizer for a command line.
func NewCommandRecognizer(line string) *CommandRecognizer {
	return &CommandRecognizer{line: line}
}

// Listen implements Recognizer.
func (r *CommandRecognizer) Listen(ctx context.Context) (string, error) {
	fields, err := splitCommand(r.line)
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%s: %w: %s", fields[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// FromConfig builds the configured backends. Empty command lines and
// programs missing from PATH yield nil backends.
func FromConfig(speakCommand, listenCommand string) (Recognizer, Synthesizer) {
	var rec Recognizer
	var synth Synthesizer
	if speakCommand != "" {
		if Available(speakCommand) {
			synth = NewCommandSynthesizer(speakCommand)
		} else {
			log.WithField("command", speakCommand).Warn("speech synthesizer not found")
		}
	}
	if listenCommand != "" {
		if Available(listenCommand) {
			rec = NewCommandRecognizer(listenCommand)
		} else {
			log.WithField("command", listenCommand).Warn("speech recognizer not found")
		}
	}
	return rec, synth
}
