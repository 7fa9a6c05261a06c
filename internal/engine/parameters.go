package engine

import (
	"github.com/a-essam23/scheme-live/pkg/pipeline"
	"github.com/a-essam23/scheme-live/pkg/protocol"
	"github.com/a-essam23/scheme-live/pkg/scope"
	"github.com/tidwall/gjson"
)

// payload fields are read with gjson after the schema has vouched for them.

func field(pctx *pipeline.Cargo, path string) gjson.Result {
	return gjson.GetBytes(pctx.Payload, path)
}

// resourceParam resolves resourceType/resourceId into a resource scope.
func resourceParam(pctx *pipeline.Cargo) (scope.Scope, protocol.EditingPayload, error) {
	s, err := scope.Resource(field(pctx, "resourceType").String(), field(pctx, "resourceId").String())
	if err != nil {
		return "", protocol.EditingPayload{}, pipeline.Reject(protocol.CodeMalformedPayload, "%v", err)
	}
	// echo the normalised parts so listeners match the scope they joined
	resourceType, resourceID, _ := s.ResourceParts()
	p := pctx.Principal()
	return s, protocol.EditingPayload{
		UserID:       p.UserID,
		Username:     p.Username,
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}, nil
}
