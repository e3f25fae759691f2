package middleware

// WithKeyPrefix lets external tests simulate an authenticated request.
var WithKeyPrefix = setKeyPrefix
