package computeruse

// SchemaJSON defines the JSON schema for computer actions.
const SchemaJSON = `{
  "type": "object",
  "properties": {
    "action": {
      "type": "string",
      "description": "Computer action to execute.",
      "enum": [
        "key",
        "type",
        "mouse_move",
        "left_click",
        "left_click_drag",
        "right_click",
        "middle_click",
        "double_click",
        "triple_click",
        "left_mouse_down",
        "left_mouse_up",
        "scroll",
        "wait",
        "cursor_position",
        "screenshot"
      ]
    },
    "coordinate": {
      "type": "array",
      "items": {"type": "integer"},
      "minItems": 2,
      "maxItems": 2,
      "description": "Target coordinate [x,y] in screenshot pixels."
    },
    "start_coordinate": {
      "type": "array",
      "items": {"type": "integer"},
      "minItems": 2,
      "maxItems": 2,
      "description": "Drag start coordinate [x,y] in screenshot pixels."
    },
    "text": {
      "type": "string",
      "description": "Key combination for key (e.g. ctrl+s) or the text to type."
    },
    "scroll_direction": {
      "type": "string",
      "enum": ["up", "down", "left", "right"],
      "description": "Scroll direction."
    },
    "scroll_amount": {
      "type": "integer",
      "minimum": 1,
      "description": "Scroll amount in wheel ticks."
    },
    "duration": {
      "type": "number",
      "minimum": 0,
      "maximum": 100,
      "description": "Seconds to wait."
    },
    "restart": {
      "type": "boolean",
      "description": "Re-read the display geometry before running the action."
    }
  },
  "required": ["action"]
}`
