package merge

import "fmt"

// Preset pins the output geometry and codecs for merged videos. All artifacts
// share one preset so playback clients never renegotiate mid-catalog.
type Preset struct {
	Width        int
	Height       int
	FrameRate    int
	VideoBitrate string
	AudioBitrate string
	AudioRate    int
}

// DefaultPreset targets portrait phone playback.
func DefaultPreset() Preset {
	return Preset{
		Width:        720,
		Height:       1280,
		FrameRate:    30,
		VideoBitrate: "2500k",
		AudioBitrate: "128k",
		AudioRate:    48000,
	}
}

func (p Preset) withDefaults() Preset {
	defaults := DefaultPreset()
	if p.Width <= 0 {
		p.Width = defaults.Width
	}
	if p.Height <= 0 {
		p.Height = defaults.Height
	}
	if p.FrameRate <= 0 {
		p.FrameRate = defaults.FrameRate
	}
	if p.VideoBitrate == "" {
		p.VideoBitrate = defaults.VideoBitrate
	}
	if p.AudioBitrate == "" {
		p.AudioBitrate = defaults.AudioBitrate
	}
	if p.AudioRate <= 0 {
		p.AudioRate = defaults.AudioRate
	}
	return p
}

func (p Preset) encoderArgs() []string {
	return []string{
		"-c:v", "libx264",
		"-preset", "medium",
		"-b:v", p.VideoBitrate,
		"-r", fmt.Sprintf("%d", p.FrameRate),
		"-c:a", "aac",
		"-b:a", p.AudioBitrate,
		"-ar", fmt.Sprintf("%d", p.AudioRate),
		"-movflags", "+faststart",
	}
}
