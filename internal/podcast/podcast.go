// Package podcast names the audio-generation collaborator. Script
// generation and speech synthesis run outside this module; these
// interfaces are the seam a generation backend plugs into.
package podcast

import "context"

// Speaker is one voice in a generated two-person script.
type Speaker struct {
	Name  string `json:"name"`
	Role  string `json:"role"`
	Voice string `json:"voice"`
}

// Segment is one speaker turn of a script.
type Segment struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// Episode is the finished artifact: the script plus the path of the
// rendered audio file.
type Episode struct {
	Title     string    `json:"title"`
	Speakers  []Speaker `json:"speakers"`
	Segments  []Segment `json:"segments"`
	AudioPath string    `json:"audio_path"`
}

// ScriptGenerator turns document text into a two-speaker script,
// optionally steered by a freeform instruction.
type ScriptGenerator interface {
	GenerateScript(ctx context.Context, text, instruction string, speakers []Speaker) ([]Segment, error)
}

// Synthesizer renders a script to audio under outputDir and returns
// the file path.
type Synthesizer interface {
	Synthesize(ctx context.Context, segments []Segment, speakers []Speaker, outputDir string) (string, error)
}

// Generator is the full collaborator surface a podcast endpoint would
// drive: script generation followed by synthesis.
type Generator interface {
	GeneratePodcast(ctx context.Context, text, instruction string, outputDir string) (*Episode, error)
}
