package logfields

import "go.uber.org/zap"

func Remote(val string) zap.Field {
	return zap.String("git.remote", val)
}

func SourceRef(val string) zap.Field {
	return zap.String("rebasebot.source_ref", val)
}

func DestRef(val string) zap.Field {
	return zap.String("rebasebot.dest_ref", val)
}

func HookPhase(val string) zap.Field {
	return zap.String("rebasebot.hook_phase", val)
}

func TagPolicy(val string) zap.Field {
	return zap.String("rebasebot.tag_policy", val)
}

func Outcome(val string) zap.Field {
	return zap.String("rebasebot.outcome", val)
}

func Label(val string) zap.Field {
	return zap.String("github.label", val)
}
