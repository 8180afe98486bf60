package ctxutil

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestRequestDataRoundTrip(t *testing.T) {
	companyID := uuid.New()
	ctx := WithRequestData(context.Background(), RequestData{
		CompanyID: companyID,
		Operator:  true,
	})

	rd, ok := GetRequestData(ctx)
	if !ok {
		t.Fatal("request data not found after WithRequestData")
	}
	if rd.CompanyID != companyID {
		t.Fatalf("company id = %s, want %s", rd.CompanyID, companyID)
	}
	if !rd.Operator {
		t.Fatal("operator flag lost in round trip")
	}
}

func TestGetRequestDataMissing(t *testing.T) {
	rd, ok := GetRequestData(context.Background())
	if ok {
		t.Fatalf("expected miss on bare context, got %+v", rd)
	}
	if rd.CompanyID != uuid.Nil || rd.Operator {
		t.Fatalf("zero value expected on miss, got %+v", rd)
	}
}
