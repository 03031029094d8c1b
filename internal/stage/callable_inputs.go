package stage

import "github.com/pipetree/pipetree/internal/artifact"

// CallableInputs groups an Executor stage's resolved predecessor
// artifacts the way its callable expects them: one entry per
// predecessor stage name. Per §4.2, a predecessor whose items carry no
// explicit type is exposed as a flat []interface{}; a predecessor whose
// items declare types is exposed as a map[string][]interface{} from
// item type to that type's items, so a callable with two named inputs
// (e.g. Train(Pics, SearchParams)) can tell which artifacts came from
// which predecessor without inspecting PipelineStage itself.
type CallableInputs map[string]interface{}

// GroupCallableInputs builds a CallableInputs value from a flat set of
// resolved predecessor artifacts. When fullArtifacts is true, the
// grouped values are the *artifact.Artifact itself rather than just its
// Item, per the stage's "full_artifacts" option.
func GroupCallableInputs(inputs []*artifact.Artifact, fullArtifacts bool) CallableInputs {
	order := make([]string, 0)
	byStage := map[string][]*artifact.Artifact{}
	for _, a := range inputs {
		if _, ok := byStage[a.PipelineStage]; !ok {
			order = append(order, a.PipelineStage)
		}
		byStage[a.PipelineStage] = append(byStage[a.PipelineStage], a)
	}

	out := make(CallableInputs, len(order))
	for _, stageName := range order {
		out[stageName] = groupOneStage(byStage[stageName], fullArtifacts)
	}
	return out
}

func groupOneStage(artifacts []*artifact.Artifact, fullArtifacts bool) interface{} {
	typed := false
	for _, a := range artifacts {
		if a.Item != nil && a.Item.Type != "" {
			typed = true
			break
		}
	}
	if !typed {
		return payloadList(artifacts, fullArtifacts)
	}

	byType := map[string][]interface{}{}
	for _, a := range artifacts {
		t := ""
		if a.Item != nil {
			t = a.Item.Type
		}
		byType[t] = append(byType[t], payloadOf(a, fullArtifacts))
	}
	return byType
}

func payloadList(artifacts []*artifact.Artifact, fullArtifacts bool) []interface{} {
	out := make([]interface{}, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, payloadOf(a, fullArtifacts))
	}
	return out
}

func payloadOf(a *artifact.Artifact, fullArtifacts bool) interface{} {
	if fullArtifacts {
		return a
	}
	return a.Item
}
