// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package language detects the language of receipt text and translates
// non-English text to English before extraction.
package language

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bcem/receipts/internal/llm"
	"github.com/bcem/receipts/internal/models"
)

// ErrEmptyInput is returned for blank text.
var ErrEmptyInput = errors.New("empty input text")

// Model is the subset of the model client the normalizer needs.
type Model interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Detection is the result of language detection.
type Detection struct {
	Language     string  `json:"language"`
	Confidence   float64 `json:"confidence"`
	LanguageCode string  `json:"language_code"`
}

// IsEnglish reports whether the detected language is English.
func (d Detection) IsEnglish() bool {
	return isEnglish(d.Language) || isEnglish(d.LanguageCode)
}

const detectSystem = `You identify the natural language of receipt and invoice text.
Respond with JSON only, no prose, in exactly this shape:
{"language": "<English name of the language>", "confidence": <0.0-1.0>, "language_code": "<ISO 639-1 code>"}`

const translateSystem = `You translate receipt and invoice text into English.
Preserve every number, amount, currency symbol, date, merchant name and card digit group exactly as written.
Respond with JSON only, no prose, in exactly this shape:
{"translated_text": "<English translation>", "confidence": <0.0-1.0>}`

type translation struct {
	TranslatedText string  `json:"translated_text"`
	Confidence     float64 `json:"confidence"`
}

// Normalizer turns arbitrary-language receipt text into English.
type Normalizer struct {
	model Model
}

func NewNormalizer(model Model) *Normalizer {
	return &Normalizer{model: model}
}

// DetectLanguage asks the model which language text is written in.
func (n *Normalizer) DetectLanguage(ctx context.Context, text string) (Detection, error) {
	if strings.TrimSpace(text) == "" {
		return Detection{}, ErrEmptyInput
	}

	reply, err := n.model.Complete(ctx, detectSystem, text)
	if err != nil {
		return Detection{}, fmt.Errorf("detect language: %w", err)
	}

	var d Detection
	if err := llm.DecodeJSON(reply, &d, false); err != nil {
		return Detection{}, fmt.Errorf("detect language: %w", err)
	}
	if strings.TrimSpace(d.Language) == "" && strings.TrimSpace(d.LanguageCode) == "" {
		return Detection{}, fmt.Errorf("detect language: %w: no language in reply", llm.ErrMalformedResponse)
	}
	d.Confidence = clamp01(d.Confidence)
	return d, nil
}

// TranslateToEnglish never fails: when the model call or its reply is
// unusable, the original text is returned with a degraded status.
func (n *Normalizer) TranslateToEnglish(ctx context.Context, text, sourceLanguage string) models.TranslationResult {
	if isEnglish(sourceLanguage) {
		return models.TranslationResult{
			SourceText:     text,
			TranslatedText: text,
			SourceLanguage: sourceLanguage,
			Confidence:     1.0,
			Status:         models.TranslationOK,
		}
	}

	degraded := func(reason string) models.TranslationResult {
		slog.Warn("translation degraded, continuing with original text",
			"source_language", sourceLanguage,
			"reason", reason,
		)
		return models.TranslationResult{
			SourceText:     text,
			TranslatedText: text,
			SourceLanguage: sourceLanguage,
			Confidence:     0,
			Status:         models.TranslationDegraded,
			Reason:         reason,
		}
	}

	prompt := fmt.Sprintf("Source language: %s\n\n%s", sourceLanguage, text)
	reply, err := n.model.Complete(ctx, translateSystem, prompt)
	if err != nil {
		return degraded(err.Error())
	}

	var tr translation
	if err := llm.DecodeJSON(reply, &tr, false); err != nil {
		return degraded(err.Error())
	}
	if strings.TrimSpace(tr.TranslatedText) == "" {
		return degraded("empty translation")
	}

	return models.TranslationResult{
		SourceText:     text,
		TranslatedText: tr.TranslatedText,
		SourceLanguage: sourceLanguage,
		Confidence:     clamp01(tr.Confidence),
		Status:         models.TranslationOK,
	}
}

// NormalizeText detects the language of text and translates it when it is
// not English. English input costs a single model call.
func (n *Normalizer) NormalizeText(ctx context.Context, text string) (models.TranslationResult, error) {
	d, err := n.DetectLanguage(ctx, text)
	if err != nil {
		return models.TranslationResult{}, err
	}

	if d.IsEnglish() {
		return models.TranslationResult{
			SourceText:     text,
			TranslatedText: text,
			SourceLanguage: d.Language,
			Confidence:     1.0,
			Status:         models.TranslationOK,
		}, nil
	}

	source := d.Language
	if source == "" {
		source = d.LanguageCode
	}
	return n.TranslateToEnglish(ctx, text, source), nil
}

func isEnglish(lang string) bool {
	l := strings.TrimSpace(lang)
	return strings.EqualFold(l, "english") || strings.EqualFold(l, "en")
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
