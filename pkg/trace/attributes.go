package trace

import (
	"go.opentelemetry.io/otel/attribute"
)

const (
	AttrComponentName = "component.name"
	AttrComponentRole = "component.role"
	AttrComponentID   = "component.id"

	AttrStateFrom = "state.from"
	AttrStateTo   = "state.to"

	AttrCommand   = "command.name"
	AttrPortIndex = "port.index"

	AttrTunnelOut      = "tunnel.out"
	AttrTunnelIn       = "tunnel.in"
	AttrTunnelSupplier = "tunnel.supplier"

	AttrPipelineName = "pipeline.name"

	AttrErrorType    = "error.type"
	AttrErrorMessage = "error.message"
)

// ComponentAttrs identifies a component instance.
func ComponentAttrs(name, role, id string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrComponentName, name),
		attribute.String(AttrComponentRole, role),
		attribute.String(AttrComponentID, id),
	}
}

// ErrorAttrs creates attributes for errors
func ErrorAttrs(errType, errMsg string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrErrorType, errType),
		attribute.String(AttrErrorMessage, errMsg),
	}
}
