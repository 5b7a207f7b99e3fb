package prompt

import (
	_ "embed"
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/skyplanner/agent/contract"
)

var (
	//go:embed template/planner.txt
	plannerRaw string

	//go:embed template/title.txt
	titleRaw string
)

// PromptSet holds loaded prompt content.
type PromptSet struct {
	Planner string
	Title   string
}

// LoadPromptSet returns a PromptSet with trimmed prompt strings.
func LoadPromptSet() PromptSet {
	return PromptSet{
		Planner: strings.TrimSpace(plannerRaw),
		Title:   strings.TrimSpace(titleRaw),
	}
}

func (p PromptSet) Validate() error {
	if p.Planner == "" {
		return fmt.Errorf("%w: planner", contractx.ErrPromptMissing)
	}
	if p.Title == "" {
		return fmt.Errorf("%w: title", contractx.ErrPromptMissing)
	}
	return nil
}
