package types

const ContextUserKey = "user"

const TokenCookie = "token"
