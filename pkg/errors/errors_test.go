package errors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := New(CodeNoTransform, "no valid transform for record")
	assert.Equal(t, CodeNoTransform, err.Code)
	assert.Equal(t, http.StatusUnprocessableEntity, err.HTTPStatus)
	assert.Equal(t, "NO_VALID_TRANSFORM: no valid transform for record", err.Error())
}

func TestWrap(t *testing.T) {
	cause := errors.New("path not found")
	err := Wrap(cause, CodeTransform, "transform failed")

	assert.Equal(t, http.StatusInternalServerError, err.HTTPStatus)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "path not found")
}

func TestConstructors(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, Validation("bad").HTTPStatus)
	assert.Equal(t, http.StatusBadRequest, Configuration("bad").HTTPStatus)
	assert.Equal(t, http.StatusBadRequest, BadRequest("bad").HTTPStatus)
	assert.Equal(t, http.StatusNotFound, NotFound("spec").HTTPStatus)
	assert.Equal(t, http.StatusInternalServerError, Internal("boom").HTTPStatus)
}

func TestWithDetail(t *testing.T) {
	err := Validation("records must not be empty").WithDetail("field", "records")
	require.NotNil(t, err.Details)
	assert.Equal(t, "records", err.Details["field"])
}

func TestToJSON(t *testing.T) {
	data := New(CodeBadRequest, "invalid request body").ToJSON()
	assert.Contains(t, string(data), `"code":"BAD_REQUEST"`)
	assert.Contains(t, string(data), `"message":"invalid request body"`)
}
