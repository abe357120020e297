package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	xerrors "L402-Agent/internal/errors"
	"L402-Agent/internal/llm"
	"L402-Agent/internal/tools"
)

// FinalAnswerAction 是规划结果中表示结束的动作名。
const FinalAnswerAction = "Final Answer"

const defaultPrefix = `You are an assistant operating a Bitcoin Lightning Network node. Answer the question as best you can using the tools below.`

const formatInstructions = `Reply with exactly one JSON object and nothing else:
{"thought": "<your reasoning>", "action": "<one of [%s] or %q>", "action_input": <tool input as a JSON object, or the final answer as a string>}

Call one tool per reply. After each tool call you will receive an Observation.
When you know the answer, use the action %q and put the answer in action_input.`

// plan 是一次规划的结果：要么是最终答案，要么是一次工具调用。
type plan struct {
	thought string
	action  string
	input   json.RawMessage
	answer  string
	final   bool
	log     string
}

type planReply struct {
	Thought     string          `json:"thought"`
	Action      string          `json:"action"`
	ActionInput json.RawMessage `json:"action_input"`
}

func systemPrompt(prefix string, registry *tools.Registry) string {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultPrefix
	}
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString("\n\nTools:\n")
	b.WriteString(registry.Describe())
	b.WriteString("\n\n")
	fmt.Fprintf(&b, formatInstructions, strings.Join(registry.Names(), ", "), FinalAnswerAction, FinalAnswerAction)
	return b.String()
}

// transcript 把已完成的步骤还原成对话，供下一次规划参考。
func transcript(question string, steps []Step) []llm.Message {
	messages := make([]llm.Message, 0, 1+2*len(steps))
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: "Question: " + question})
	for _, step := range steps {
		messages = append(messages,
			llm.Message{Role: llm.RoleAssistant, Content: step.Log},
			llm.Message{Role: llm.RoleUser, Content: "Observation: " + step.Observation},
		)
	}
	return messages
}

// parsePlan 解析模型输出。无法识别的输出返回 PLAN_PARSE_FAILED。
func parsePlan(text string) (*plan, error) {
	text = strings.TrimSpace(text)
	raw, ok := llm.ExtractJSONObject(text)
	if !ok {
		if idx := strings.Index(text, FinalAnswerAction+":"); idx >= 0 {
			answer := strings.TrimSpace(text[idx+len(FinalAnswerAction)+1:])
			if answer != "" {
				return &plan{answer: answer, final: true, log: text}, nil
			}
		}
		return nil, xerrors.New(CodePlanParse, "reply is not a JSON object")
	}

	var reply planReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return nil, xerrors.Wrap(CodePlanParse, err, "reply is not valid JSON")
	}
	action := strings.TrimSpace(reply.Action)
	if action == "" {
		return nil, xerrors.New(CodePlanParse, `reply has no "action"`)
	}

	p := &plan{thought: strings.TrimSpace(reply.Thought), log: raw}
	if strings.EqualFold(action, FinalAnswerAction) {
		answer := finalAnswer(reply.ActionInput)
		if answer == "" {
			return nil, xerrors.New(CodePlanParse, `final answer has an empty "action_input"`)
		}
		p.answer = answer
		p.final = true
		return p, nil
	}
	p.action = action
	p.input = reply.ActionInput
	return p, nil
}

func finalAnswer(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(input, &text); err == nil {
		return strings.TrimSpace(text)
	}
	if string(input) == "null" {
		return ""
	}
	return strings.TrimSpace(string(input))
}

func invalidFormatObservation(err error) string {
	return fmt.Sprintf("Invalid format: %s. Reply with one JSON object containing \"thought\", \"action\" and \"action_input\".", xerrors.MessageOf(err))
}
