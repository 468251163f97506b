package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed settings.yaml
var defaultSettings []byte

// StringList decodes from either a YAML string or a list of strings.
type StringList []string

func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if strings.TrimSpace(value.Value) == "" {
			*l = nil
			return nil
		}
		*l = StringList{value.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	default:
		return fmt.Errorf("line %d: expected a string or a list of strings", value.Line)
	}
}

type SystemMessages struct {
	Categorisation      StringList `yaml:"categorisation"`
	WorkerSelection     StringList `yaml:"worker_selection"`
	WorkflowSelection   StringList `yaml:"workflow_selection"`
	PromptAugmentation  StringList `yaml:"prompt_augmentation"`
	PromptQuestioning   StringList `yaml:"prompt_questioning"`
	BestOf              StringList `yaml:"best_of"`
	Summarisation       StringList `yaml:"summarisation"`
	CategoryDescription StringList `yaml:"category_description"`
	ColourSelection     StringList `yaml:"colour_selection"`
	FileSummarisation   StringList `yaml:"file_summarisation"`
	UserContext         StringList `yaml:"user_context"`
}

// Settings is the behaviour document. Built-in defaults are overlaid by an
// optional user file; keys absent from the file keep their defaults.
type Settings struct {
	Models struct {
		DefaultModel           string `yaml:"default_model"`
		DefaultBackgroundModel string `yaml:"default_background_model"`
	} `yaml:"models"`
	SystemMessages SystemMessages `yaml:"system_messages"`
	BetaFeatures   struct {
		EncyclopediaEnabled        bool `yaml:"encyclopedia_enabled"`
		UserContextEnabled         bool `yaml:"user_context_enabled"`
		MultiFileProcessingEnabled bool `yaml:"multi_file_processing_enabled"`
	} `yaml:"beta_features"`
	Optimisation struct {
		MessageHistory bool `yaml:"message_history"`
	} `yaml:"optimisation"`
	ResponseImprovement struct {
		InternetSearchEnabled bool `yaml:"internet_search_enabled"`
		UserContextEnabled    bool `yaml:"user_context_enabled"`
	} `yaml:"response_improvement"`
	Files struct {
		SummariseFiles bool `yaml:"summarise_files"`
	} `yaml:"files"`
	Workflows struct {
		Summarise bool `yaml:"summarise"`
		MaxPages  int  `yaml:"max_pages"`
		MaxLoops  int  `yaml:"max_loops"`
	} `yaml:"workflows"`
	Category struct {
		CategorySystemMessage StringList `yaml:"category_system_message"`
	} `yaml:"category"`
	Interface struct {
		AIColour bool `yaml:"ai_colour"`
	} `yaml:"interface"`
}

// DefaultSettings returns the embedded defaults.
func DefaultSettings() (Settings, error) {
	var s Settings
	if err := yaml.Unmarshal(defaultSettings, &s); err != nil {
		return Settings{}, fmt.Errorf("parse embedded settings: %w", err)
	}
	return s, nil
}

// LoadSettings overlays the file at path, if any, on the defaults.
func LoadSettings(path string) (Settings, error) {
	s, err := DefaultSettings()
	if err != nil {
		return Settings{}, err
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return s, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read settings %s: %w", path, err)
	}
	if err := ParseSettings(raw, &s); err != nil {
		return Settings{}, fmt.Errorf("parse settings %s: %w", path, err)
	}
	return s, nil
}

// ParseSettings overlays raw YAML onto s.
func ParseSettings(raw []byte, s *Settings) error {
	return yaml.Unmarshal(raw, s)
}
