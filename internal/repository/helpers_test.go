package repository

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pitabwire/fhirbridge/internal/search"
	"github.com/pitabwire/fhirbridge/model"
)

// translateQuery builds an outbound query the way the search translation
// would for a QuestionnaireResponse search.
func translateQuery(t *testing.T, values url.Values) *search.Query {
	t.Helper()
	c, err := search.NewCollectorBuilder(model.FhirR4, model.FhirQuestionnaireResponse).
		Reference("patient", model.FhirPatient, "trackedEntityInstance").
		Token("status", "status").
		Build()
	require.NoError(t, err)

	q := search.NewQuery(model.FhirR4, model.FhirQuestionnaireResponse)
	require.NoError(t, search.Translate(c, search.ParseFilter(values, true), q))
	return q
}

func event(id, tei, status string) model.Resource {
	return model.Resource{
		Type: "Event",
		ID:   id,
		Data: map[string]any{
			"event":                 id,
			"program":               "anc",
			"orgUnit":               "ou1",
			"trackedEntityInstance": tei,
			"status":                status,
		},
	}
}
