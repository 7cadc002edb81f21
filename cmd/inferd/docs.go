package main

// General API documentation for swaggo. Run `make swagger-gen` to generate docs.
//
// @title           inferd API
// @version         1.0
// @description     OpenAI-compatible HTTP API for local LLM inference.
//
// @contact.name   inferd maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
