package api

const registerAliasSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["name", "credential"],
  "properties": {
    "name": {"type": "string", "minLength": 1, "maxLength": 64, "pattern": "^[a-zA-Z0-9]+$"},
    "credential": {"type": "string", "minLength": 8, "maxLength": 72}
  }
}`

const amountProperty = `{"type": ["string", "number"], "pattern": "^[0-9]+(\\.[0-9]{1,2})?$"}`

const createAccountSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["alias", "bank_name"],
  "properties": {
    "alias": {"type": "string", "minLength": 1, "maxLength": 64},
    "bank_name": {"type": "string", "minLength": 2, "maxLength": 100},
    "balance": ` + amountProperty + `
  }
}`

const updateAccountSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["bank_name"],
  "properties": {
    "bank_name": {"type": "string", "minLength": 2, "maxLength": 100}
  }
}`

const transferSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["from_alias", "to_alias", "amount"],
  "properties": {
    "from_alias": {"type": "string", "minLength": 1, "maxLength": 64},
    "to_alias": {"type": "string", "minLength": 1, "maxLength": 64},
    "amount": ` + amountProperty + `
  }
}`
