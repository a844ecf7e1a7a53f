package router

import "strings"

type Kind int

const (
	KindSpeak Kind = iota
	KindEnable
	KindDisable
	KindVoices
	KindDisconnect
	KindStatus
	KindHelp
	KindSetVoice
	KindSetSpeed
)

func (k Kind) String() string {
	switch k {
	case KindEnable:
		return "enable"
	case KindDisable:
		return "disable"
	case KindVoices:
		return "voices"
	case KindDisconnect:
		return "disconnect"
	case KindStatus:
		return "status"
	case KindHelp:
		return "help"
	case KindSetVoice:
		return "voice"
	case KindSetSpeed:
		return "speed"
	default:
		return "speak"
	}
}

// Command is the classification of one message.
type Command struct {
	Kind Kind
	Arg  string
}

// Classify maps message content to a command. Bare commands must match the
// whole content; voice and speed take the first word after them. Anything
// else is speech.
func Classify(prefix, content string) Command {
	switch content {
	case prefix + " enable":
		return Command{Kind: KindEnable}
	case prefix + " disable":
		return Command{Kind: KindDisable}
	case prefix + " voices":
		return Command{Kind: KindVoices}
	case prefix + " disconnect":
		return Command{Kind: KindDisconnect}
	case prefix + " status":
		return Command{Kind: KindStatus}
	case prefix + " help":
		return Command{Kind: KindHelp}
	}
	if rest, ok := strings.CutPrefix(content, prefix+" voice "); ok {
		return Command{Kind: KindSetVoice, Arg: firstField(rest)}
	}
	if rest, ok := strings.CutPrefix(content, prefix+" speed "); ok {
		return Command{Kind: KindSetSpeed, Arg: firstField(rest)}
	}
	return Command{Kind: KindSpeak}
}

func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
