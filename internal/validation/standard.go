package validation

// File operations: read, write, append, delete.
func FileOperationSchema() *Schema {
	return &Schema{Fields: []Field{{
		Path:  "params",
		Rules: []Rule{Object("params must be an object")},
		Nested: []Field{
			{Path: "path", Rules: []Rule{
				Required("path is required"),
				String("path must be a string"),
				Regex(`^[a-zA-Z0-9_\-\./ ]+$`, "path must be a valid file path"),
			}},
			{Path: "operation", Rules: []Rule{
				Required("operation is required"),
				String("operation must be a string"),
				Enum("operation must be one of: read, write, append, delete", "read", "write", "append", "delete"),
			}},
			{Path: "content", Rules: []Rule{
				Custom("content must be a string for write/append operations", func(value interface{}, params map[string]interface{}) bool {
					switch params["operation"] {
					case "write", "append":
						_, ok := value.(string)
						return ok
					}
					return true
				}),
			}},
		},
	}}}
}

func DataQuerySchema() *Schema {
	return &Schema{Fields: []Field{{
		Path:  "params",
		Rules: []Rule{Object("params must be an object")},
		Nested: []Field{
			{Path: "query", Rules: []Rule{
				Required("query is required"),
				String("query must be a string"),
				MaxLength(1000, "query is too long"),
			}},
			{Path: "dataSource", Rules: []Rule{String("dataSource must be a string")}},
			{Path: "limit", Rules: []Rule{
				Number("limit must be a number"),
				Min(1, "limit must be positive"),
				Max(1000, "limit is too large"),
			}},
		},
	}}}
}

func NotificationSchema() *Schema {
	return &Schema{Fields: []Field{{
		Path:  "params",
		Rules: []Rule{Object("params must be an object")},
		Nested: []Field{
			{Path: "title", Rules: []Rule{
				Required("title is required"),
				String("title must be a string"),
				MaxLength(100, "title is too long"),
			}},
			{Path: "message", Rules: []Rule{
				Required("message is required"),
				String("message must be a string"),
				MaxLength(1000, "message is too long"),
			}},
			{Path: "level", Rules: []Rule{
				String("level must be a string"),
				Enum("level must be one of: info, warning, error, critical", "info", "warning", "error", "critical"),
			}},
			{Path: "persistent", Rules: []Rule{Boolean("persistent must be a boolean")}},
		},
	}}}
}

// RegisterStandardSchemas installs the built-in schemas for the file, data and
// notification task families.
func (v *Validator) RegisterStandardSchemas() {
	for _, task := range []string{"file.read", "file.write", "file.append", "file.delete"} {
		v.AddTaskSchema(task, FileOperationSchema())
	}
	v.AddTaskSchema("data.query", DataQuerySchema())
	v.AddTaskSchema("data.search", DataQuerySchema())
	v.AddTaskSchema("notification.send", NotificationSchema())
}
