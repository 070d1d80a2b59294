package handler

type TargetParams struct {
	Target string `param:"target"`
}

type TriggerParams struct {
	Target      string `param:"target"`
	Mode        string `json:"mode"`
	ArtifactRef string `json:"artifact_ref"`
}

type RunParams struct {
	RunID int64 `param:"run_id"`
}

type ArtifactParams struct {
	RunID int64  `param:"run_id"`
	Name  string `param:"name"`
}

type ListRunsParams struct {
	Target string `param:"target"`
	Limit  int64  `query:"limit"`
	Offset int64  `query:"offset"`
}
