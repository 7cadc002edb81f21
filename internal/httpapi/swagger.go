//go:build swagger

package httpapi

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/swaggo/swag"
)

// minimal spec served until `make swagger-gen` regenerates the full one
const apiDocJSON = `{"swagger":"2.0","info":{"title":"inferd API","version":"1.0"},"basePath":"/"}`

type apiDoc struct{}

func (apiDoc) ReadDoc() string { return apiDocJSON }

func init() {
	swag.Register(swag.Name, apiDoc{})
}

// MountSwagger serves the OpenAPI UI under /swagger when built with
// -tags=swagger.
func MountSwagger(r chi.Router) {
	r.Get("/swagger/*", httpSwagger.Handler())
}
