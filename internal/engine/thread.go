package engine

import "github.com/matheus3301/convo/internal/store"

// Thread names the conversation a view is about. Support threads belong to
// one customer; the others are keyed by the entity they discuss.
type Thread struct {
	Subject store.Subject
}

// SupportThread is a customer's support conversation.
func SupportThread(customerID string) Thread {
	return Thread{Subject: store.Subject{Kind: store.SubjectSupport, ID: customerID}}
}

// RFQThread is the conversation about a request for quotation.
func RFQThread(rfqID string) Thread {
	return Thread{Subject: store.Subject{Kind: store.SubjectRFQ, ID: rfqID}}
}

// PartnershipThread is the conversation about a partnership application.
func PartnershipThread(applicationID string) Thread {
	return Thread{Subject: store.Subject{Kind: store.SubjectPartnership, ID: applicationID}}
}

// OrderThread is the conversation about an order.
func OrderThread(orderID string) Thread {
	return Thread{Subject: store.Subject{Kind: store.SubjectOrder, ID: orderID}}
}

// ParseThread builds a thread from a subject kind and id.
func ParseThread(kind, id string) (Thread, error) {
	subject, err := store.ParseSubject(kind, id)
	if err != nil {
		return Thread{}, err
	}
	return Thread{Subject: subject}, nil
}

func (t Thread) String() string { return t.Subject.String() }
