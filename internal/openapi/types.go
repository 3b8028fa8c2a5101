package openapi

import "github.com/getkin/kin-openapi/openapi3"

func str() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}}
}

func strFormat(format string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Format: format}}
}

func integer() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}}
}

func boolean() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"boolean"}}}
}

func enum(values ...string) *openapi3.SchemaRef {
	s := &openapi3.Schema{Type: &openapi3.Types{"string"}}
	for _, v := range values {
		s.Enum = append(s.Enum, v)
	}
	return &openapi3.SchemaRef{Value: s}
}

func arrayOf(items *openapi3.SchemaRef) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"array"}, Items: items}}
}

func object(required []string, props openapi3.Schemas) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:       &openapi3.Types{"object"},
		Required:   required,
		Properties: props,
	}}
}

func ref(name string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, nil)
}

// componentSchemas returns the named schemas every document carries.
func componentSchemas(roles, reasons []string) openapi3.Schemas {
	return openapi3.Schemas{
		"ErrorResponse": object([]string{"error"}, openapi3.Schemas{
			"error": object([]string{"code", "reason", "message"}, openapi3.Schemas{
				"code":    integer(),
				"reason":  enum(reasons...),
				"message": str(),
				"context": {Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}},
			}),
		}),
		"PrincipalSummary": object([]string{"id", "email", "role", "family", "permissions", "is_active"}, openapi3.Schemas{
			"id":          strFormat("uuid"),
			"email":       strFormat("email"),
			"name":        str(),
			"role":        enum(roles...),
			"family":      enum("admin", "staff", "candidate"),
			"permissions": arrayOf(str()),
			"is_active":   boolean(),
		}),
		"Principal": object([]string{"id", "email", "role", "permissions", "is_active"}, openapi3.Schemas{
			"id":               strFormat("uuid"),
			"email":            strFormat("email"),
			"name":             str(),
			"role":             enum(roles...),
			"permissions":      arrayOf(str()),
			"is_active":        boolean(),
			"last_login_at":    strFormat("date-time"),
			"last_activity_at": strFormat("date-time"),
			"created_at":       strFormat("date-time"),
			"updated_at":       strFormat("date-time"),
		}),
		"PrincipalList": object([]string{"resource"}, openapi3.Schemas{
			"resource": arrayOf(ref("Principal")),
			"meta":     object(nil, openapi3.Schemas{"count": integer()}),
		}),
		"Me": object([]string{"principal", "family", "effective_permissions"}, openapi3.Schemas{
			"principal":             ref("Principal"),
			"family":                enum("admin", "staff", "candidate"),
			"effective_permissions": arrayOf(str()),
		}),
		"LoginRequest": object([]string{"identifier", "password"}, openapi3.Schemas{
			"identifier": str(),
			"password":   strFormat("password"),
		}),
		"LoginResponse": object([]string{"token", "token_type", "expires_at", "principal"}, openapi3.Schemas{
			"token":      str(),
			"token_type": enum("bearer"),
			"expires_at": strFormat("date-time"),
			"principal":  ref("PrincipalSummary"),
		}),
		"ValidateResponse": object([]string{"valid"}, openapi3.Schemas{
			"valid":      boolean(),
			"code":       enum("UNAUTHENTICATED"),
			"principal":  ref("PrincipalSummary"),
			"expires_at": strFormat("date-time"),
		}),
		"KeepAliveResponse": object([]string{"expires_at"}, openapi3.Schemas{
			"refreshed_token": str(),
			"expires_at":      strFormat("date-time"),
		}),
		"LogoutResponse": object([]string{"success"}, openapi3.Schemas{
			"success": boolean(),
		}),
		"CreatePrincipalRequest": object([]string{"email", "role", "password"}, openapi3.Schemas{
			"email":       strFormat("email"),
			"name":        str(),
			"role":        enum(roles...),
			"password":    strFormat("password"),
			"permissions": arrayOf(str()),
		}),
		"PermissionsRequest": object([]string{"permissions"}, openapi3.Schemas{
			"permissions": arrayOf(str()),
		}),
		"StatusRequest": object([]string{"is_active"}, openapi3.Schemas{
			"is_active": boolean(),
		}),
		"LockoutStatus": object([]string{"identifier", "locked", "attempts_remaining"}, openapi3.Schemas{
			"identifier":         str(),
			"locked":             boolean(),
			"unlock_at":          strFormat("date-time"),
			"attempts_remaining": integer(),
			"released":           boolean(),
		}),
		"Health": object([]string{"status"}, openapi3.Schemas{
			"status": str(),
			"checks": {Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}},
		}),
	}
}
