package redis

const defaultPrefix = "workq"

type keys struct{ prefix string }

func (k keys) queues() string { return k.prefix + ":queues" }
func (k keys) ready(q string) string { return k.prefix + ":q:" + q }
func (k keys) delayed(q string) string { return k.prefix + ":q:" + q + ":delayed" }
func (k keys) inflight(q string) string { return k.prefix + ":q:" + q + ":inflight" }
func (k keys) leases(q string) string { return k.prefix + ":q:" + q + ":leases" }
func (k keys) dead(q string) string { return k.prefix + ":q:" + q + ":dead" }
