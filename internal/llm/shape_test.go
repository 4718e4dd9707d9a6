package llm

import "testing"

func mustDecode(t *testing.T, s string) any {
	t.Helper()
	v, err := DecodeJSON(s)
	if err != nil {
		t.Fatalf("DecodeJSON(%q) error = %v", s, err)
	}
	return v
}

func TestMatchShape(t *testing.T) {
	tests := []struct {
		name    string
		actual  string
		example string
		want    bool
	}{
		{name: "same object", actual: `{"time":"07:00"}`, example: `{"time":"06:30"}`, want: true},
		{name: "extra keys allowed", actual: `{"time":"07:00","why":"late"}`, example: `{"time":"06:30"}`, want: true},
		{name: "missing key", actual: `{"hour":"07:00"}`, example: `{"time":"06:30"}`, want: false},
		{name: "wrong scalar type", actual: `{"time":7}`, example: `{"time":"06:30"}`, want: false},
		{name: "int vs float", actual: `{"n":1.5}`, example: `{"n":1}`, want: false},
		{name: "float vs float", actual: `{"n":2.0}`, example: `{"n":1.5}`, want: true},
		{name: "bool", actual: `{"end":false}`, example: `{"end":true}`, want: true},
		{name: "bool vs string", actual: `{"end":"false"}`, example: `{"end":true}`, want: false},
		{name: "list of objects", actual: `[{"subtask":"a","duration":5},{"subtask":"b","duration":10}]`, example: `[{"subtask":"x","duration":1}]`, want: true},
		{name: "list element mismatch", actual: `[{"subtask":"a","duration":5},{"subtask":"b"}]`, example: `[{"subtask":"x","duration":1}]`, want: false},
		{name: "empty actual list", actual: `[]`, example: `["x"]`, want: true},
		{name: "empty example list", actual: `[1,"a",true]`, example: `[]`, want: true},
		{name: "object vs list", actual: `["a"]`, example: `{"a":"b"}`, want: false},
		{name: "nested list of ints", actual: `{"evidence":[1,2,3]}`, example: `{"evidence":[0]}`, want: true},
		{name: "nested list wrong type", actual: `{"evidence":["1"]}`, example: `{"evidence":[0]}`, want: false},
		{name: "null", actual: `null`, example: `null`, want: true},
		{name: "values never compared", actual: `{"answer":"No"}`, example: `{"answer":"Yes or No"}`, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MatchShape(mustDecode(t, tt.actual), mustDecode(t, tt.example))
			if got != tt.want {
				t.Errorf("MatchShape(%s, %s) = %v, want %v", tt.actual, tt.example, got, tt.want)
			}
		})
	}
}
