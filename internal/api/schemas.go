package api

const decimalSchema = `{"type": ["string", "number"], "pattern": "^[0-9]+(\\.[0-9]+)?$"}`

const createRequestSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["subject", "base_currency", "data"],
  "properties": {
    "subject": {"type": "string", "enum": ["TBA", "TBU", "OWT", "IWT", "CFT", "CA", "DA", "DRA", "CONVERT"]},
    "initiator": {"type": "string", "enum": ["user", "admin"]},
    "user_id": {"type": "string", "minLength": 1, "maxLength": 255},
    "user_group": {"type": "string", "maxLength": 255},
    "base_currency": {"type": "string", "pattern": "^[A-Z]{3}$"},
    "reference_currency": {"type": "string", "pattern": "^[A-Z]{3}$"},
    "amount": ` + decimalSchema + `,
    "rate": ` + decimalSchema + `,
    "rate_designation": {"type": "string", "enum": ["base/reference", "reference/base"]},
    "exchange_margin_percent": ` + decimalSchema + `,
    "description": {"type": "string", "maxLength": 1024},
    "input": {"type": "object"},
    "data": {"type": "object"}
  }
}`

const cancelSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["reason"],
  "properties": {
    "reason": {"type": "string", "minLength": 1, "maxLength": 1024}
  }
}`

const tanSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["user_id", "code"],
  "properties": {
    "user_id": {"type": "string", "minLength": 1},
    "code": {"type": "string", "pattern": "^[0-9]{4,12}$"}
  }
}`

const issueCardSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["user_id", "currency_code", "pan", "expiry"],
  "properties": {
    "user_id": {"type": "string", "minLength": 1},
    "currency_code": {"type": "string", "pattern": "^[A-Z]{3}$"},
    "type": {"type": "string", "maxLength": 32},
    "pan": {"type": "string", "pattern": "^[0-9 -]{13,23}$"},
    "expiry": {"type": "string", "pattern": "^[0-9]{2}/[0-9]{2,4}$"},
    "initial_balance": ` + decimalSchema + `
  }
}`
