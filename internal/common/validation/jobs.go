package validation

// SegmentCustomersInput accepts an optional tenant filter and notify flag.
var SegmentCustomersInput = MustCompile(`{
  "type": "object",
  "properties": {
    "tenantId": {"type": "string", "minLength": 1},
    "notify":   {"type": "boolean"},
    "clusters": {"type": "integer", "minimum": 1, "maximum": 5}
  }
}`)

// NotifySegmentsInput requires the tenant whose segmented customers are
// notified, optionally restricted to some segments.
var NotifySegmentsInput = MustCompile(`{
  "type": "object",
  "required": ["tenantId"],
  "properties": {
    "tenantId": {"type": "string", "minLength": 1},
    "segments": {
      "type": "array",
      "items": {
        "type": "string",
        "enum": ["Champions", "Loyal Customers", "Potential Loyalists", "At-Risk", "Lost"]
      },
      "uniqueItems": true
    }
  }
}`)
