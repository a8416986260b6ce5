package templating

import (
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

const truncationMarker = "..."

// Optimized is text prepared for a specific channel.
type Optimized struct {
	Text           string `json:"text"`
	Truncated      bool   `json:"truncated"`
	OriginalLength int    `json:"originalLength"`
	SMSCount       int    `json:"smsCount"`
}

// Validation is the outcome of ValidateContent.
type Validation struct {
	IsValid  bool     `json:"isValid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// OptimizeForChannel shortens SMS text to a single segment. Other channels pass through.
func (e *Engine) OptimizeForChannel(text string, channel domain.Channel) Optimized {
	return optimize(text, channel, e.cfg.MaxSMSLength)
}

// ValidateContent checks text against the hard limits of channel. It never panics.
func (e *Engine) ValidateContent(text string, channel domain.Channel) Validation {
	return validate(text, channel, e.cfg.MaxSMSLength, e.cfg.MaxConcatenatedLength)
}

// SMSCount returns the number of segments needed for length runes.
func SMSCount(length int) int {
	return smsCount(length, domain.MaxSMSSegment)
}

func smsCount(length, segment int) int {
	if length <= segment {
		return 1
	}
	return int(math.Ceil(float64(length) / float64(domain.SMSConcatSegmentChars)))
}

func optimize(text string, channel domain.Channel, limit int) Optimized {
	runes := []rune(text)
	out := Optimized{
		Text:           text,
		OriginalLength: len(runes),
	}

	if channel != domain.ChannelSMS {
		return out
	}

	out.SMSCount = smsCount(len(runes), limit)
	if len(runes) <= limit {
		return out
	}

	out.Text = truncateAtWord(runes, limit-len(truncationMarker)) + truncationMarker
	out.Truncated = true
	return out
}

// truncateAtWord keeps at most max runes, cutting at the last whitespace when one exists.
func truncateAtWord(runes []rune, max int) string {
	if max <= 0 {
		return ""
	}
	if len(runes) <= max {
		return string(runes)
	}

	cut := max
	// A boundary falls exactly at max when the next rune is whitespace.
	if !unicode.IsSpace(runes[max]) {
		for i := max - 1; i > 0; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
	}

	return strings.TrimRightFunc(string(runes[:cut]), unicode.IsSpace)
}

func channelMaximum(channel domain.Channel, concatenated int) int {
	switch channel {
	case domain.ChannelSMS:
		return concatenated
	case domain.ChannelEmail:
		return domain.MaxEmailContent
	case domain.ChannelSocket:
		return domain.MaxSocketContent
	default:
		return 0
	}
}

func validate(text string, channel domain.Channel, segment, concatenated int) Validation {
	result := Validation{IsValid: true}

	if !channel.IsValid() {
		result.IsValid = false
		result.Errors = append(result.Errors, fmt.Sprintf("unsupported channel %q", channel))
		return result
	}

	length := len([]rune(text))
	if strings.TrimSpace(text) == "" {
		result.IsValid = false
		result.Errors = append(result.Errors, "content is empty")
		return result
	}

	if max := channelMaximum(channel, concatenated); length > max {
		result.IsValid = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("content length %d exceeds %s maximum of %d", length, channel, max))
	}

	if channel == domain.ChannelSMS && length > segment {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("content spans %d SMS segments", smsCount(length, segment)))
	}

	return result
}

func roundTo2(v float64) float64 {
	return math.Round(v*100) / 100
}
