package mapping

// defaultSchema is the JSON schema dataset descriptions are checked against
// unless a schema file is configured.
const defaultSchema = `{
  "$schema": "http://json-schema.org/draft-04/schema#",
  "title": "Dataset description",
  "type": "object",
  "required": ["datasetVersion"],
  "properties": {
    "dateAvailable": {
      "type": "string",
      "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}"
    },
    "datasetVersion": {
      "type": "object",
      "required": ["metadataBlocks"],
      "properties": {
        "license": {
          "type": ["string", "object"]
        },
        "metadataBlocks": {
          "type": "object",
          "required": ["citation"],
          "additionalProperties": {
            "$ref": "#/definitions/block"
          }
        }
      }
    }
  },
  "definitions": {
    "block": {
      "type": "object",
      "required": ["fields"],
      "properties": {
        "displayName": {"type": "string"},
        "fields": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["typeName", "value"],
            "properties": {
              "typeName": {"type": "string"},
              "typeClass": {"type": "string"},
              "multiple": {"type": "boolean"}
            }
          }
        }
      }
    }
  }
}
`
