package domain

import "time"

// Variable is an environment variable declared by an image, with the
// default used when the caller supplies no value.
type Variable struct {
	Name    string `json:"name"`
	Env     string `json:"env"`
	Default string `json:"default"`
}

// FileTemplate is a file the node fetches into a fresh workload. URL and
// Name may carry ${VAR} tokens resolved against the merged environment.
type FileTemplate struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Image describes a workload template: the container image to run plus
// environment defaults and file templates.
type Image struct {
	ID           string         `json:"id" db:"id"`
	Name         string         `json:"name" db:"name"`
	DockerImage  string         `json:"docker_image" db:"docker_image"`
	Variables    []Variable     `json:"variables"`
	Files        []FileTemplate `json:"files"`
	StartCommand string         `json:"start_command" db:"start_command"`
	StopCommand  string         `json:"stop_command" db:"stop_command"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
}

// Clone returns a deep copy of the image.
func (i *Image) Clone() *Image {
	clone := *i
	clone.Variables = append([]Variable(nil), i.Variables...)
	clone.Files = append([]FileTemplate(nil), i.Files...)
	return &clone
}

// CreateImageRequest is the request body for creating an image.
type CreateImageRequest struct {
	Name         string         `json:"name"`
	DockerImage  string         `json:"docker_image"`
	Variables    []Variable     `json:"variables,omitempty"`
	Files        []FileTemplate `json:"files,omitempty"`
	StartCommand string         `json:"start_command,omitempty"`
	StopCommand  string         `json:"stop_command,omitempty"`
}
