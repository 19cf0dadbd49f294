// Package master provides the client for the graph directory: registration
// of publishers, subscribers, and services, plus the lookup and introspection
// surface. The directory speaks XML-RPC and returns dynamically typed
// payloads; this package validates structure strictly at the boundary and
// converts everything to typed values before handing results inward.
package master

import (
	"fmt"

	"github.com/c360/rosgraph/errors"
)

// Status codes returned by every directory call.
const (
	StatusError   = -1
	StatusFailure = 0
	StatusSuccess = 1
)

// TopicInfo pairs a topic name with its message type.
type TopicInfo struct {
	Name string
	Type string
}

// TopicNodes pairs a name with the nodes participating in it.
type TopicNodes struct {
	Name  string
	Nodes []string
}

// SystemState is the directory's full view of the graph.
type SystemState struct {
	Publishers  []TopicNodes
	Subscribers []TopicNodes
	Services    []TopicNodes
}

// asInt converts a boundary value to int.
func asInt(v any) (int, error) {
	n, ok := v.(int)
	if !ok {
		return 0, errors.WrapInvalid(errors.ErrBadMasterResponse, "master", "asInt",
			fmt.Sprintf("expected integer, got %T", v))
	}
	return n, nil
}

// asString converts a boundary value to string.
func asString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", errors.WrapInvalid(errors.ErrBadMasterResponse, "master", "asString",
			fmt.Sprintf("expected string, got %T", v))
	}
	return s, nil
}

// asStringSlice converts a boundary array to []string.
func asStringSlice(v any) ([]string, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrBadMasterResponse, "master", "asStringSlice",
			fmt.Sprintf("expected array, got %T", v))
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, err := asString(item)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// asTopicInfos converts a boundary array of [name, type] pairs.
func asTopicInfos(v any) ([]TopicInfo, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrBadMasterResponse, "master", "asTopicInfos",
			fmt.Sprintf("expected array, got %T", v))
	}
	out := make([]TopicInfo, 0, len(items))
	for _, item := range items {
		pair, err := asStringSlice(item)
		if err != nil {
			return nil, err
		}
		if len(pair) != 2 {
			return nil, errors.WrapInvalid(errors.ErrBadMasterResponse, "master", "asTopicInfos",
				fmt.Sprintf("expected [name, type] pair, got %d elements", len(pair)))
		}
		out = append(out, TopicInfo{Name: pair[0], Type: pair[1]})
	}
	return out, nil
}

// asTopicNodes converts a boundary array of [name, [node...]] pairs.
func asTopicNodes(v any) ([]TopicNodes, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrBadMasterResponse, "master", "asTopicNodes",
			fmt.Sprintf("expected array, got %T", v))
	}
	out := make([]TopicNodes, 0, len(items))
	for _, item := range items {
		pair, ok := item.([]any)
		if !ok || len(pair) != 2 {
			return nil, errors.WrapInvalid(errors.ErrBadMasterResponse, "master", "asTopicNodes",
				"expected [name, nodes] pair")
		}
		name, err := asString(pair[0])
		if err != nil {
			return nil, err
		}
		nodes, err := asStringSlice(pair[1])
		if err != nil {
			return nil, err
		}
		out = append(out, TopicNodes{Name: name, Nodes: nodes})
	}
	return out, nil
}
