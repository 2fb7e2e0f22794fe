package logging

import "go.uber.org/zap"

// SystemUser is recorded when no caller identity is known.
const SystemUser = "system"

// Operation tags a record with the operation that produced it.
func Operation(name string) zap.Field {
	return zap.String("operation", name)
}

// User tags a record with the acting user.
func User(id string) zap.Field {
	if id == "" {
		id = SystemUser
	}
	return zap.String("user_id", id)
}

// Context flattens a free-form context map into fields.
func Context(ctx map[string]any) zap.Field {
	return zap.Any("context", ctx)
}
