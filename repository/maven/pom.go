package maven

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
)

// Pom is the subset of the Maven project object model the index cares
// about. groupId and version may be inherited from the parent block.
type Pom struct {
	XMLName     xml.Name  `xml:"project" json:"-"`
	GroupID     string    `xml:"groupId" json:"group_id"`
	ArtifactID  string    `xml:"artifactId" json:"artifact_id"`
	Version     string    `xml:"version" json:"version"`
	Name        string    `xml:"name" json:"name,omitempty"`
	Description string    `xml:"description" json:"description,omitempty"`
	Parent      PomParent `xml:"parent" json:"parent,omitempty"`
	SCM         PomSCM    `xml:"scm" json:"scm,omitempty"`
}

// PomParent carries the coordinates a child POM inherits.
type PomParent struct {
	GroupID    string `xml:"groupId" json:"group_id,omitempty"`
	ArtifactID string `xml:"artifactId" json:"artifact_id,omitempty"`
	Version    string `xml:"version" json:"version,omitempty"`
}

// PomSCM is the source-control block.
type PomSCM struct {
	URL string `xml:"url" json:"url,omitempty"`
}

// ParsePom parses a POM document.
func ParsePom(data []byte) (*Pom, error) {
	var pom Pom
	if err := xml.Unmarshal(data, &pom); err != nil {
		return nil, fmt.Errorf("failed to parse POM: %w", err)
	}
	if pom.ArtifactID == "" {
		return nil, fmt.Errorf("POM is missing artifactId")
	}
	return &pom, nil
}

// EffectiveGroupID resolves the group id, falling back to the parent block.
func (p *Pom) EffectiveGroupID() string {
	if p.GroupID != "" {
		return p.GroupID
	}
	return p.Parent.GroupID
}

// EffectiveVersion resolves the version, falling back to the parent block.
func (p *Pom) EffectiveVersion() string {
	if p.Version != "" {
		return p.Version
	}
	return p.Parent.Version
}

// ProjectKey is the protocol-native project identifier "groupId:artifactId".
func (p *Pom) ProjectKey() string {
	return p.EffectiveGroupID() + ":" + p.ArtifactID
}

// Summary is the JSON blob stored as version extra data in the index.
func (p *Pom) Summary() json.RawMessage {
	data, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	return data
}
