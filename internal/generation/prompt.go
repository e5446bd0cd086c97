package generation

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

const DefaultProfile = "default"

// Profile is one prompt profile, usually one per product category. The user
// templates see PromptData.
type Profile struct {
	Description string `yaml:"description"`
	System      string `yaml:"system"`
	User        string `yaml:"user"`
	MetaSystem  string `yaml:"meta_system"`
	MetaUser    string `yaml:"meta_user"`
}

type PromptData struct {
	Title       string
	Details     string
	Description string
	HTML        string
}

type promptFile struct {
	Profiles map[string]Profile `yaml:"profiles"`
}

type compiledProfile struct {
	Profile
	user     *template.Template
	metaUser *template.Template
}

type PromptSet struct {
	profiles map[string]*compiledProfile
}

var defaultProfile = Profile{
	Description: "Generic product page copy",
	System: "You are a professional e-commerce copywriter. You write accurate, engaging product " +
		"descriptions as HTML fragments and never invent facts that are not in the input.",
	User: `Write a product description for "{{.Title}}".
{{if .Details}}
Product details:
{{.Details}}
{{end}}{{if .Description}}
Current description:
{{.Description}}
{{end}}
Use only these tags: <h2>, <h3>, <p>, <b>, <ul>, <li>. Return the HTML fragment only, without a preamble or closing remarks.`,
	MetaSystem: "You are an experienced SEO copywriter.",
	MetaUser: `Write a meta title and a meta description for the product "{{.Title}}" based on:
{{.Details}}
{{.Description}}
The meta title starts with a strong keyword and has at most 60 characters. The meta description is one informative sentence of at most 160 characters.
Answer in exactly this format:
Meta title: <text>
Meta description: <text>`,
}

// DefaultPrompts holds only the built-in default profile.
func DefaultPrompts() *PromptSet {
	set, err := newPromptSet(map[string]Profile{DefaultProfile: defaultProfile})
	if err != nil {
		panic(err)
	}
	return set
}

// LoadPrompts reads a YAML profile file. An empty path yields the default
// profile; a file without a "default" profile keeps the built-in one.
func LoadPrompts(path string) (*PromptSet, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultPrompts(), nil
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts: %w", err)
	}
	var file promptFile
	if err := yaml.Unmarshal(blob, &file); err != nil {
		return nil, fmt.Errorf("parse prompts %s: %w", path, err)
	}

	profiles := map[string]Profile{DefaultProfile: defaultProfile}
	for name, p := range file.Profiles {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if strings.TrimSpace(p.User) == "" {
			return nil, fmt.Errorf("prompt profile %q has no user template", name)
		}
		if p.System == "" {
			p.System = defaultProfile.System
		}
		if p.MetaSystem == "" {
			p.MetaSystem = defaultProfile.MetaSystem
		}
		if p.MetaUser == "" {
			p.MetaUser = defaultProfile.MetaUser
		}
		profiles[name] = p
	}
	return newPromptSet(profiles)
}

func newPromptSet(profiles map[string]Profile) (*PromptSet, error) {
	set := &PromptSet{profiles: map[string]*compiledProfile{}}
	for name, p := range profiles {
		user, err := template.New(name).Option("missingkey=error").Parse(p.User)
		if err != nil {
			return nil, fmt.Errorf("prompt profile %q: %w", name, err)
		}
		meta, err := template.New(name + ".meta").Option("missingkey=error").Parse(p.MetaUser)
		if err != nil {
			return nil, fmt.Errorf("prompt profile %q meta: %w", name, err)
		}
		set.profiles[name] = &compiledProfile{Profile: p, user: user, metaUser: meta}
	}
	return set, nil
}

func (s *PromptSet) Has(name string) bool {
	_, ok := s.profiles[name]
	return ok
}

func (s *PromptSet) Names() []string {
	out := make([]string, 0, len(s.profiles))
	for name := range s.profiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *PromptSet) Profile(name string) (Profile, bool) {
	p, ok := s.profiles[name]
	if !ok {
		return Profile{}, false
	}
	return p.Profile, true
}

// Render returns the system instruction and user content of a profile.
func (s *PromptSet) Render(name string, data PromptData) (string, string, error) {
	p, err := s.lookup(name)
	if err != nil {
		return "", "", err
	}
	user, err := execute(p.user, data)
	return p.System, user, err
}

func (s *PromptSet) RenderMeta(name string, data PromptData) (string, string, error) {
	p, err := s.lookup(name)
	if err != nil {
		return "", "", err
	}
	user, err := execute(p.metaUser, data)
	return p.MetaSystem, user, err
}

func (s *PromptSet) lookup(name string) (*compiledProfile, error) {
	if name == "" {
		name = DefaultProfile
	}
	p, ok := s.profiles[name]
	if !ok {
		return nil, fmt.Errorf("unknown prompt profile %q (available: %s)", name, strings.Join(s.Names(), ", "))
	}
	return p, nil
}

func execute(t *template.Template, data PromptData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}
