package admin

import (
	"go/parser"
	"go/token"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
)

var routerAnnotation = regexp.MustCompile(`@Router\s+(\S+)\s+\[(\w+)\]`)
var pathParam = regexp.MustCompile(`\{[^}]+\}`)

func TestRouterAnnotationsMatchServedRoutes(t *testing.T) {
	file, err := parser.ParseFile(token.NewFileSet(), "admin.go", nil, parser.ParseComments)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	handler := NewHandler(Config{})
	var routes int
	for _, group := range file.Comments {
		for _, m := range routerAnnotation.FindAllStringSubmatch(group.Text(), -1) {
			routes++
			path := pathParam.ReplaceAllString(m[1], "x")
			req := httptest.NewRequest(strings.ToUpper(m[2]), path, nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code == http.StatusNotFound || rec.Code == http.StatusMethodNotAllowed {
				t.Fatalf("documented route %s %s is not served (status %d)", m[2], m[1], rec.Code)
			}
		}
	}
	if routes != 3 {
		t.Fatalf("expected 3 documented routes, found %d", routes)
	}
}
