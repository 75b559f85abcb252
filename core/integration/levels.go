package integration

type Level string

const (
	LevelCLIBasic   Level = "cli_basic"
	LevelCLIEvents  Level = "cli_events"
	LevelOTel       Level = "otel"
	LevelSDKControl Level = "sdk_control"
	LevelSDKFull    Level = "sdk_full"
)

type ReplayGrade string

const (
	ReplayStrict       ReplayGrade = "strict"
	ReplayCheckpointed ReplayGrade = "checkpointed"
	ReplayBestEffort   ReplayGrade = "best_effort"
	ReplayNone         ReplayGrade = "none"
)

// Order lists levels from least to most instrumented.
var Order = []Level{LevelCLIBasic, LevelCLIEvents, LevelOTel, LevelSDKControl, LevelSDKFull}

// Evidence is what a run actually observed, independent of what harnesses declared.
type Evidence struct {
	Hooks       bool `json:"hooks"`
	Traces      bool `json:"traces"`
	SDKControl  bool `json:"sdk_control"`
	SDKFull     bool `json:"sdk_full"`
	Checkpoints bool `json:"checkpoints"`
}

// Rank is the level's position in Order. Unknown levels rank lowest.
func Rank(level Level) int {
	for index, candidate := range Order {
		if candidate == level {
			return index
		}
	}
	return 0
}

func Valid(level Level) bool {
	for _, candidate := range Order {
		if candidate == level {
			return true
		}
	}
	return false
}

func ObservedLevel(evidence Evidence) Level {
	switch {
	case evidence.SDKFull:
		return LevelSDKFull
	case evidence.SDKControl:
		return LevelSDKControl
	case evidence.Traces:
		return LevelOTel
	case evidence.Hooks:
		return LevelCLIEvents
	default:
		return LevelCLIBasic
	}
}

// EffectiveLevel is the lower of the declared level and the observed one: a
// harness is credited only for instrumentation the run saw.
func EffectiveLevel(declared Level, evidence Evidence) Level {
	observed := ObservedLevel(evidence)
	if Rank(declared) < Rank(observed) {
		return Order[Rank(declared)]
	}
	return observed
}

func GradeReplay(level Level, hasCheckpoints bool) ReplayGrade {
	switch level {
	case LevelSDKFull:
		return ReplayStrict
	case LevelSDKControl:
		if hasCheckpoints {
			return ReplayCheckpointed
		}
		return ReplayBestEffort
	case LevelOTel, LevelCLIEvents:
		return ReplayBestEffort
	default:
		return ReplayNone
	}
}
