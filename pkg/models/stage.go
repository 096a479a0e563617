package models

// Stage identifies one step of the reconstruction pipeline.
type Stage string

const (
	StageFrameExtraction      Stage = "frame_extraction"
	StageFeatureExtraction    Stage = "feature_extraction"
	StageFeatureMatching      Stage = "feature_matching"
	StageSparseReconstruction Stage = "sparse_reconstruction"
	StageDenseReconstruction  Stage = "dense_reconstruction"
	StageMeshing              Stage = "meshing"
	StageTexturing            Stage = "texturing"
)

func (s Stage) String() string { return string(s) }
