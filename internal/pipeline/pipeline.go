// Package pipeline declares the ordered stages a scan passes through and the
// readiness rules that gate dispatching each of them.
package pipeline

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/kiranshivaraju/scanpipe/pkg/models"
)

var (
	ErrUnknownStage       = errors.New("unknown stage")
	ErrPreconditionNotMet = errors.New("stage precondition not met")
	ErrInvalidDefinition  = errors.New("invalid pipeline definition")
)

// ArtifactKind names a descriptor the processing service may report in a
// completed job's result payload.
type ArtifactKind string

const (
	ArtifactFrames        ArtifactKind = "frames"
	ArtifactPointCloud    ArtifactKind = "point_cloud"
	ArtifactMesh          ArtifactKind = "mesh"
	ArtifactTexture       ArtifactKind = "texture"
	ArtifactTexturedModel ArtifactKind = "textured_model"
)

// AssetType maps a descriptor kind onto the asset it materializes as.
// The boolean is false for kinds that do not produce an asset row.
func (k ArtifactKind) AssetType() (models.AssetType, bool) {
	switch k {
	case ArtifactPointCloud:
		return models.AssetTypePointCloud, true
	case ArtifactMesh:
		return models.AssetTypeMesh, true
	case ArtifactTexture:
		return models.AssetTypeTexture, true
	case ArtifactTexturedModel:
		return models.AssetTypeModel, true
	case ArtifactFrames:
		return "", false
	}
	return "", false
}

// StageDef describes one stage. Requires lists stages whose latest job must be
// completed first; ReadyStatuses lists scan statuses from which the stage may
// be dispatched.
type StageDef struct {
	Stage          models.Stage
	Requires       []models.Stage
	ReadyStatuses  []models.ScanStatus
	InFlightStatus models.ScanStatus
	Produces       []ArtifactKind
	Expects        []ArtifactKind
}

// Definition is an immutable ordered list of stages.
type Definition struct {
	defs  []StageDef
	index map[models.Stage]int
}

// NewDefinition validates defs and returns a Definition. Stages must be unique
// and may only require stages declared before them.
func NewDefinition(defs ...StageDef) (*Definition, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: no stages", ErrInvalidDefinition)
	}
	d := &Definition{
		defs:  make([]StageDef, len(defs)),
		index: make(map[models.Stage]int, len(defs)),
	}
	for i, def := range defs {
		if _, dup := d.index[def.Stage]; dup {
			return nil, fmt.Errorf("%w: duplicate stage %q", ErrInvalidDefinition, def.Stage)
		}
		for _, req := range def.Requires {
			if _, ok := d.index[req]; !ok {
				return nil, fmt.Errorf("%w: stage %q requires %q which is not declared before it",
					ErrInvalidDefinition, def.Stage, req)
			}
		}
		if len(def.ReadyStatuses) == 0 {
			return nil, fmt.Errorf("%w: stage %q has no ready statuses", ErrInvalidDefinition, def.Stage)
		}
		d.defs[i] = cloneDef(def)
		d.index[def.Stage] = i
	}
	return d, nil
}

// Default returns the seven-stage reconstruction pipeline.
func Default() *Definition {
	d, err := NewDefinition(defaultStages()...)
	if err != nil {
		panic(err)
	}
	return d
}

func defaultStages() []StageDef {
	processing := []models.ScanStatus{models.ScanStatusProcessing}
	return []StageDef{
		{
			Stage:          models.StageFrameExtraction,
			ReadyStatuses:  []models.ScanStatus{models.ScanStatusUploaded, models.ScanStatusExtracting},
			InFlightStatus: models.ScanStatusExtracting,
			Produces:       []ArtifactKind{ArtifactFrames},
			Expects:        []ArtifactKind{ArtifactFrames},
		},
		{
			Stage:          models.StageFeatureExtraction,
			Requires:       []models.Stage{models.StageFrameExtraction},
			ReadyStatuses:  []models.ScanStatus{models.ScanStatusFramesExtracted, models.ScanStatusProcessing},
			InFlightStatus: models.ScanStatusProcessing,
		},
		{
			Stage:          models.StageFeatureMatching,
			Requires:       []models.Stage{models.StageFeatureExtraction},
			ReadyStatuses:  processing,
			InFlightStatus: models.ScanStatusProcessing,
		},
		{
			Stage:          models.StageSparseReconstruction,
			Requires:       []models.Stage{models.StageFeatureMatching},
			ReadyStatuses:  processing,
			InFlightStatus: models.ScanStatusProcessing,
			Produces:       []ArtifactKind{ArtifactPointCloud},
			Expects:        []ArtifactKind{ArtifactPointCloud},
		},
		{
			Stage:          models.StageDenseReconstruction,
			Requires:       []models.Stage{models.StageSparseReconstruction},
			ReadyStatuses:  processing,
			InFlightStatus: models.ScanStatusProcessing,
			Produces:       []ArtifactKind{ArtifactPointCloud},
			Expects:        []ArtifactKind{ArtifactPointCloud},
		},
		{
			Stage:          models.StageMeshing,
			Requires:       []models.Stage{models.StageDenseReconstruction},
			ReadyStatuses:  processing,
			InFlightStatus: models.ScanStatusProcessing,
			Produces:       []ArtifactKind{ArtifactMesh},
			Expects:        []ArtifactKind{ArtifactMesh},
		},
		{
			Stage:          models.StageTexturing,
			Requires:       []models.Stage{models.StageMeshing},
			ReadyStatuses:  processing,
			InFlightStatus: models.ScanStatusProcessing,
			Produces:       []ArtifactKind{ArtifactTexturedModel, ArtifactTexture},
			Expects:        []ArtifactKind{ArtifactTexturedModel},
		},
	}
}

// Through returns a copy of d truncated after final. Later stages are no
// longer required for a scan to complete.
func (d *Definition) Through(final models.Stage) (*Definition, error) {
	i, ok := d.index[final]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, final)
	}
	return NewDefinition(d.defs[:i+1]...)
}

// Lookup returns the definition of stage.
func (d *Definition) Lookup(stage models.Stage) (StageDef, bool) {
	i, ok := d.index[stage]
	if !ok {
		return StageDef{}, false
	}
	return cloneDef(d.defs[i]), true
}

// Stages returns every stage in pipeline order.
func (d *Definition) Stages() []models.Stage {
	out := make([]models.Stage, len(d.defs))
	for i, def := range d.defs {
		out[i] = def.Stage
	}
	return out
}

// Required returns the stages that must complete for a scan to complete.
// Every declared stage is required.
func (d *Definition) Required() []models.Stage {
	return d.Stages()
}

// Index returns the position of stage in the pipeline, or -1.
func (d *Definition) Index(stage models.Stage) int {
	i, ok := d.index[stage]
	if !ok {
		return -1
	}
	return i
}

// Last returns the final stage of the pipeline.
func (d *Definition) Last() models.Stage {
	return d.defs[len(d.defs)-1].Stage
}

// CheckReady reports whether stage may be dispatched for a scan in status
// with the given set of completed stages.
func (d *Definition) CheckReady(stage models.Stage, status models.ScanStatus, completed map[models.Stage]bool) error {
	def, ok := d.Lookup(stage)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
	if status == models.ScanStatusFailed {
		return fmt.Errorf("%w: scan has failed, retry required", ErrPreconditionNotMet)
	}
	var missing []string
	for _, req := range def.Requires {
		if !completed[req] {
			missing = append(missing, string(req))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s requires %s to be completed",
			ErrPreconditionNotMet, stage, strings.Join(missing, ", "))
	}
	if !slices.Contains(def.ReadyStatuses, status) {
		return fmt.Errorf("%w: %s cannot start while scan is %s", ErrPreconditionNotMet, stage, status)
	}
	return nil
}

// AllStages returns the canonical stage order.
func AllStages() []models.Stage {
	return []models.Stage{
		models.StageFrameExtraction,
		models.StageFeatureExtraction,
		models.StageFeatureMatching,
		models.StageSparseReconstruction,
		models.StageDenseReconstruction,
		models.StageMeshing,
		models.StageTexturing,
	}
}

// ParseStage converts a client-supplied name into a Stage.
func ParseStage(s string) (models.Stage, error) {
	stage := models.Stage(strings.TrimSpace(strings.ToLower(s)))
	switch stage {
	case models.StageFrameExtraction,
		models.StageFeatureExtraction,
		models.StageFeatureMatching,
		models.StageSparseReconstruction,
		models.StageDenseReconstruction,
		models.StageMeshing,
		models.StageTexturing:
		return stage, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStage, s)
}

func cloneDef(def StageDef) StageDef {
	def.Requires = slices.Clone(def.Requires)
	def.ReadyStatuses = slices.Clone(def.ReadyStatuses)
	def.Produces = slices.Clone(def.Produces)
	def.Expects = slices.Clone(def.Expects)
	return def
}
