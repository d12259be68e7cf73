package cdc

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/flitsinc/go-objects/internal/idgen"
)

type RefScheme string

const (
	SchemeLocal RefScheme = "local"
	SchemeHTTP  RefScheme = "http"
	SchemeKafka RefScheme = "kafka"
)

// ParentRef is a parsed Identity.ParentRef:
//
//	org/acme                                  actor in the same registry
//	https://objects.internal/objects/org/acme remote actor
//	kafka://broker-1:9092,broker-2:9092/topic external topic
type ParentRef struct {
	Scheme RefScheme

	Kind string
	ID   string

	URL string

	Brokers []string
	Topic   string
}

func ParseParentRef(ref string) (ParentRef, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return ParentRef{}, fmt.Errorf("empty parent ref")
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		u, err := url.Parse(ref)
		if err != nil {
			return ParentRef{}, fmt.Errorf("parent ref %q: %w", ref, err)
		}
		if u.Host == "" {
			return ParentRef{}, fmt.Errorf("parent ref %q: missing host", ref)
		}
		return ParentRef{Scheme: SchemeHTTP, URL: strings.TrimSuffix(ref, "/")}, nil
	case strings.HasPrefix(ref, "kafka://"):
		rest := strings.TrimPrefix(ref, "kafka://")
		hosts, topic, ok := strings.Cut(rest, "/")
		if !ok || hosts == "" || topic == "" || strings.Contains(topic, "/") {
			return ParentRef{}, fmt.Errorf("parent ref %q: want kafka://broker[,broker]/topic", ref)
		}
		var brokers []string
		for _, h := range strings.Split(hosts, ",") {
			if h = strings.TrimSpace(h); h != "" {
				brokers = append(brokers, h)
			}
		}
		return ParentRef{Scheme: SchemeKafka, Brokers: brokers, Topic: topic}, nil
	}

	kind, id, ok := strings.Cut(ref, "/")
	if !ok {
		return ParentRef{}, fmt.Errorf("parent ref %q: want kind/id", ref)
	}
	if err := idgen.ValidateActorName(kind); err != nil {
		return ParentRef{}, fmt.Errorf("parent ref %q: %w", ref, err)
	}
	if err := idgen.ValidateActorName(id); err != nil {
		return ParentRef{}, fmt.Errorf("parent ref %q: %w", ref, err)
	}
	return ParentRef{Scheme: SchemeLocal, Kind: kind, ID: id}, nil
}

// LocalDeliverer delivers to an actor living in this process.
type LocalDeliverer interface {
	DeliverLocal(ctx context.Context, kind, id string, batch Batch) error
}

// Router picks a transport from the shape of the parent ref. Nil fields
// make the corresponding scheme fail delivery.
type Router struct {
	Local LocalDeliverer
	HTTP  *HTTPDeliverer
	Kafka *KafkaDeliverer
}

func (r *Router) Deliver(ctx context.Context, parentRef string, batch Batch) error {
	ref, err := ParseParentRef(parentRef)
	if err != nil {
		return err
	}
	switch ref.Scheme {
	case SchemeLocal:
		if r.Local == nil {
			return fmt.Errorf("no local deliverer for %s", parentRef)
		}
		return r.Local.DeliverLocal(ctx, ref.Kind, ref.ID, batch)
	case SchemeHTTP:
		if r.HTTP == nil {
			return fmt.Errorf("no http deliverer for %s", parentRef)
		}
		return r.HTTP.deliver(ctx, ref.URL, batch)
	case SchemeKafka:
		if r.Kafka == nil {
			return fmt.Errorf("no kafka deliverer for %s", parentRef)
		}
		return r.Kafka.deliver(ctx, ref.Brokers, ref.Topic, batch)
	}
	return fmt.Errorf("unsupported parent ref %s", parentRef)
}
