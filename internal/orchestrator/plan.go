package orchestrator

import (
	"fmt"
	"strings"

	"restoration/internal/domain"
	"restoration/internal/providers/restoration"
)

// Step is one planned transformation. Critical steps abort the pass on
// failure; optional steps are skipped and the pass continues with the
// previous image.
type Step struct {
	Name        string
	Instruction string
	Critical    bool
}

// PlanSteps builds the ordered transformation plan for a job. The plan is
// tailored by mode and by what the analysis found, then filtered through the
// parameters' skip list.
func PlanSteps(mode domain.Mode, analysis *restoration.Analysis, params domain.ProcessParams) []Step {
	var steps []Step

	defects := "visible damage"
	if analysis != nil && len(analysis.Defects) > 0 {
		defects = strings.Join(analysis.Defects, ", ")
	}

	switch mode {
	case domain.ModeEnhance:
		steps = append(steps,
			Step{
				Name:        "enhance_details",
				Instruction: "Sharpen fine detail and recover texture without altering composition or subject identity.",
				Critical:    true,
			},
			Step{
				Name:        "balance_tone",
				Instruction: "Balance exposure, contrast and white point for a natural print-like tonality.",
			},
		)

	case domain.ModeReimagine:
		steps = append(steps,
			Step{
				Name:        "repair_damage",
				Instruction: fmt.Sprintf("Repair %s while preserving every original detail of the scene.", defects),
				Critical:    true,
			},
			Step{
				Name:        "colorize",
				Instruction: "Colorize with period-appropriate, realistic colors.",
			},
			Step{
				Name:        "creative_grade",
				Instruction: "Apply a tasteful cinematic grade that modernizes the photo while keeping it believable.",
			},
		)

	default: // RESTORE
		steps = append(steps,
			Step{
				Name:        "repair_damage",
				Instruction: fmt.Sprintf("Repair %s while preserving every original detail of the scene.", defects),
				Critical:    true,
			},
			Step{
				Name:        "colorize",
				Instruction: "Colorize with period-appropriate, realistic colors.",
			},
			Step{
				Name:        "enhance_details",
				Instruction: "Sharpen fine detail and recover texture without altering composition or subject identity.",
			},
		)
	}

	if analysis != nil && analysis.Portrait {
		// Face work runs right after the repair pass so later steps build on
		// a clean likeness.
		faceStep := Step{
			Name:        "restore_faces",
			Instruction: "Restore facial features faithfully; keep the subject's identity and expression exactly as in the original.",
		}
		steps = insertAfter(steps, "repair_damage", faceStep)
	}

	if analysis != nil && analysis.Era != "" {
		for i := range steps {
			if steps[i].Name == "colorize" {
				steps[i].Instruction = fmt.Sprintf("Colorize with realistic colors appropriate to a %s photograph.", analysis.Era)
			}
		}
	}

	steps = filterSkipped(steps, params.SkipSteps)

	if len(params.FocusCriteria) > 0 {
		focus := strings.Join(params.FocusCriteria, " and ")
		for i := range steps {
			steps[i].Instruction += fmt.Sprintf(" Prioritize %s.", strings.ReplaceAll(focus, "_", " "))
		}
	}

	return steps
}

// PlanSummary renders the plan as a short human-readable line for validation
// prompts and audit logs.
func PlanSummary(steps []Step) string {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Name
	}
	return strings.Join(names, " -> ")
}

func insertAfter(steps []Step, name string, step Step) []Step {
	for i, s := range steps {
		if s.Name == name {
			out := make([]Step, 0, len(steps)+1)
			out = append(out, steps[:i+1]...)
			out = append(out, step)
			return append(out, steps[i+1:]...)
		}
	}
	return append([]Step{step}, steps...)
}

func filterSkipped(steps []Step, skip []string) []Step {
	if len(skip) == 0 {
		return steps
	}
	skipped := make(map[string]bool, len(skip))
	for _, name := range skip {
		skipped[name] = true
	}
	kept := steps[:0]
	for _, s := range steps {
		// Critical steps cannot be skipped away; without them the mode's
		// core promise is unmet.
		if skipped[s.Name] && !s.Critical {
			continue
		}
		kept = append(kept, s)
	}
	return kept
}
