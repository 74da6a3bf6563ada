// Package bridge defines the MQTT topics and JSON payloads the event bridge
// uses to mirror UPnP device state and accept action calls.
package bridge

import (
	"errors"
	"fmt"
	"strings"
)

// BaseTopic is the default MQTT topic prefix.
const BaseTopic = "mupnp/v1"

// CallEnvelope is an action call published on a call topic. Args holds the
// action's IN arguments by name.
type CallEnvelope struct {
	ID      string            `json:"id"`
	TS      int64             `json:"ts"`
	From    string            `json:"from,omitempty"`
	ReplyTo string            `json:"replyTo,omitempty"`
	Args    map[string]string `json:"args"`
}

// ReplyEnvelope answers a CallEnvelope.
type ReplyEnvelope struct {
	ID  string            `json:"id"`
	OK  bool              `json:"ok"`
	TS  int64             `json:"ts"`
	Out map[string]string `json:"out,omitempty"`
	Err *ReplyError       `json:"err,omitempty"`
}

// ReplyError carries a UPnP error code and description.
type ReplyError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Presence is the retained description of a mirrored device.
type Presence struct {
	UDN          string   `json:"udn"`
	Type         string   `json:"type"`
	FriendlyName string   `json:"friendlyName"`
	Services     []string `json:"services"`
	Online       bool     `json:"online"`
	TS           int64    `json:"ts"`
}

// ValidateCallEnvelope checks the required fields of a call.
func ValidateCallEnvelope(call CallEnvelope) error {
	if strings.TrimSpace(call.ID) == "" {
		return errors.New("id is required")
	}
	if call.TS < 0 {
		return errors.New("ts must not be negative")
	}
	for name := range call.Args {
		if strings.TrimSpace(name) == "" {
			return errors.New("argument names must not be empty")
		}
	}
	return nil
}

// TopicPresence builds the presence topic of a device.
func TopicPresence(topicBase, udn string) string {
	return fmt.Sprintf("%s/%s/presence", topicBase, segment(udn))
}

// TopicVariable builds the topic mirroring a state variable of instance 0.
func TopicVariable(topicBase, udn, serviceID, variable string) string {
	return fmt.Sprintf("%s/%s/%s/%s", topicBase, segment(udn), serviceID, variable)
}

// TopicInstanceVariable builds the topic mirroring a LastChange variable of
// a non-zero instance.
func TopicInstanceVariable(topicBase, udn, serviceID string, instance uint32, variable string) string {
	return fmt.Sprintf("%s/%s/%s/instance/%d/%s", topicBase, segment(udn), serviceID, instance, variable)
}

// TopicCall builds the topic accepting calls of action.
func TopicCall(topicBase, udn, serviceID, action string) string {
	return fmt.Sprintf("%s/%s/%s/call/%s", topicBase, segment(udn), serviceID, action)
}

// TopicCallFilter matches every call topic under topicBase.
func TopicCallFilter(topicBase string) string {
	return topicBase + "/+/+/call/+"
}

// TopicReply builds the reply topic of a call topic.
func TopicReply(callTopic string) string {
	return callTopic + "/reply"
}

// CallTarget names the action a call topic addresses.
type CallTarget struct {
	UDN       string
	ServiceID string
	Action    string
}

// ParseCallTopic splits a call topic built by TopicCall.
func ParseCallTopic(topicBase, topic string) (CallTarget, error) {
	rest, ok := strings.CutPrefix(topic, topicBase+"/")
	if !ok {
		return CallTarget{}, fmt.Errorf("topic %q outside %q", topic, topicBase)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 4 || parts[2] != "call" {
		return CallTarget{}, fmt.Errorf("not a call topic: %q", topic)
	}
	for _, p := range parts {
		if p == "" {
			return CallTarget{}, fmt.Errorf("empty segment in %q", topic)
		}
	}
	return CallTarget{UDN: "uuid:" + parts[0], ServiceID: parts[1], Action: parts[3]}, nil
}

// segment drops the uuid: prefix so the UDN is a single clean topic level.
func segment(udn string) string {
	return strings.TrimPrefix(udn, "uuid:")
}
