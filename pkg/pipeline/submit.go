package pipeline

import (
	"fmt"
	"sort"

	"github.com/planhaus/tiles/backend/pkg/aps"
)

// Role classifies a staged file's part in the job.
type Role string

const (
	RoleScript Role = "script"
	RoleImage  Role = "image"
	RoleOutput Role = "output"
)

// StagedFile describes one finalized object in the job's staging bucket.
type StagedFile struct {
	LocalName string
	Object    string
	Role      Role
	Index     int
	Size      int64
	URL       string
}

// buildArguments maps staged files onto activity parameters. Images bind to
// parameters by positional order, carrying the caller's original filename as
// the localName override so the executor sees the caller-visible name. When
// introspection supplied no (or too few) parameter names, the generic
// image{N} scheme fills the gap deterministically.
func buildArguments(files []StagedFile, imageParams []string) (map[string]aps.Argument, error) {
	var script, output *StagedFile
	var images []StagedFile
	for i := range files {
		switch files[i].Role {
		case RoleScript:
			script = &files[i]
		case RoleOutput:
			output = &files[i]
		case RoleImage:
			images = append(images, files[i])
		}
	}
	if script == nil {
		return nil, fmt.Errorf("no script file staged")
	}
	if output == nil {
		return nil, fmt.Errorf("no output slot staged")
	}
	sort.Slice(images, func(i, j int) bool { return images[i].Index < images[j].Index })

	args := map[string]aps.Argument{
		"script": {URL: script.URL},
		"output": {URL: output.URL, Verb: "put"},
	}
	for i, img := range images {
		name := aps.ImageParamName(i + 1)
		if i < len(imageParams) {
			name = imageParams[i]
		}
		args[name] = aps.Argument{URL: img.URL, LocalName: img.LocalName}
	}
	return args, nil
}
