package dispatch

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const TaskAgentDispatch = "agent.dispatch"

// AgentDispatchPayload is the task body handed to the delivery worker. The
// run token is pre-signed at enqueue time so the worker never needs the JWT
// secret material itself.
type AgentDispatchPayload struct {
	OpportunityID string `json:"opportunityId"`
	RunID         string `json:"runId"`
	TargetQuery   string `json:"targetQuery"`
	TargetPage    string `json:"targetPage"`
	Type          string `json:"type"`
	RunToken      string `json:"runToken"`
}

func NewAgentDispatchTask(payload AgentDispatchPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAgentDispatch, data), nil
}

func ParseAgentDispatchPayload(task *asynq.Task) (AgentDispatchPayload, error) {
	var payload AgentDispatchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return AgentDispatchPayload{}, err
	}
	return payload, nil
}
