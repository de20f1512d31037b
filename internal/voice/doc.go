// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package voice adds dictation and read-aloud to the chat composer.
//
// A Bridge owns at most one recognizer run and at most one utterance.
// Recognized text is appended to a Composer and is never sent on its own;
// the user still confirms the message. Starting a new utterance stops the
// one that is playing.
//
// Speech backends are external commands:
//
//	synth := voice.NewCommandSynthesizer("espeak --stdin")
//	rec := voice.NewCommandRecognizer("whisper-listen --once")
//	bridge := voice.NewBridge(rec, synth, composer)
//
// Either backend may be nil; the matching operations then fail with
// ErrUnsupported.
package voice
