package adapter

import (
	"go.uber.org/zap"

	"github.com/photoaiproxy/api/internal/model"
)

// Vendors bundles the clients the built-in adapters call.
type Vendors struct {
	Fal       FalRunner
	Topaz     TopazRunner
	Text      TextModel
	Artifacts Artifacts
}

// NewDefaultRegistry registers every supported job type.
func NewDefaultRegistry(v Vendors, logger *zap.Logger) (*Registry, error) {
	defs := []falDef{
		upscaleDef(),
		promptEditDef(model.JobTypeColorize, defaultColorizePrompt),
		textualEditDef(model.JobTypeTextualEdit),
		inpaintDef(),
		aiResizeDef(),
		smartRetouchDef(),
		objectRemovalDef(),
		styleEditDef(model.JobTypeTrend),
		styleEditDef(model.JobTypeAIColorGrade),
		angleShiftDef(),
		videoDef(),
		videoUpscaleDef(),
		trainLoRADef(),
	}
	for _, preset := range StylePresets {
		defs = append(defs, textualEditDef(preset))
	}

	adapters := make([]Adapter, 0, len(defs)+4)
	for _, def := range defs {
		adapters = append(adapters, newFalAdapter(def, v.Fal))
	}
	adapters = append(adapters,
		newGenericRestore(v.Fal, logger),
		newRemoveAndRefill(v.Fal, v.Artifacts),
		newTopazEnhance(v.Topaz),
		newDescribeMask(v.Text, v.Artifacts),
	)

	r := NewRegistry()
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}
