package manifest

// defaultManifests is the built-in manifest set, so the service boots with
// zero configuration. Files in MANIFEST_DIR override whole verticals.
const defaultManifests = `
- vertical: services
  tools:
    - name: business_hours
      args: []
      produces: [opening_hours]
      timeout_ms: 1000
    - name: catalog_lookup
      args:
        - {name: service_type, type: string, required: false}
      produces: [services]
      timeout_ms: 1500
    - name: availability_check
      args:
        - {name: service_type, type: string, required: true}
        - {name: preferred_date, type: string, required: true}
        - {name: preferred_time, type: string, required: false}
      requires: [service_type, preferred_date]
      produces: [available_slots]
      timeout_ms: 2000
    - name: booking_create
      args:
        - {name: service_type, type: string, required: true}
        - {name: preferred_date, type: string, required: true}
        - {name: preferred_time, type: string, required: true}
        - {name: client_name, type: string, required: true}
        - {name: client_email, type: string, required: true}
      requires: [service_type, preferred_date, preferred_time, client_name, client_email]
      produces: [booking_id, booking_status]
      timeout_ms: 3000
      side_effect: true
      after: availability_check
      idempotency: {scheme: request_id}
      invalidates: [availability]
    - name: booking_cancel
      args:
        - {name: booking_id, type: string, required: true}
      requires: [booking_id]
      produces: [booking_status]
      clears: [booking_id, preferred_date, preferred_time]
      timeout_ms: 3000
      side_effect: true
      idempotency: {scheme: request_id}
      invalidates: [availability]
    - name: booking_reschedule
      args:
        - {name: booking_id, type: string, required: true}
        - {name: preferred_date, type: string, required: true}
        - {name: preferred_time, type: string, required: true}
      requires: [booking_id, preferred_date, preferred_time]
      produces: [booking_status]
      timeout_ms: 3000
      side_effect: true
      after: availability_check
      idempotency: {scheme: request_id}
      invalidates: [availability]
  guardrails:
    - name: booking_window
      rule: 'tool != "booking_create" || slots.preferred_time == nil || (slots.preferred_time >= "08:00" && slots.preferred_time <= "20:00")'
      message: bookings outside opening hours

- vertical: gastronomy
  tools:
    - name: business_hours
      args: []
      produces: [opening_hours]
      timeout_ms: 1000
    - name: menu_lookup
      args:
        - {name: dish_type, type: string, required: false}
      produces: [menu_items]
      timeout_ms: 1500
    - name: table_availability
      args:
        - {name: party_size, type: number, required: true}
        - {name: preferred_date, type: string, required: true}
      requires: [party_size, preferred_date]
      produces: [available_tables]
      timeout_ms: 2000
    - name: reservation_create
      args:
        - {name: party_size, type: number, required: true}
        - {name: preferred_date, type: string, required: true}
        - {name: preferred_time, type: string, required: true}
        - {name: client_name, type: string, required: true}
      requires: [party_size, preferred_date, preferred_time, client_name]
      produces: [reservation_id, reservation_status]
      timeout_ms: 3000
      side_effect: true
      after: table_availability
      idempotency: {scheme: request_id}
      invalidates: [tables]
    - name: reservation_cancel
      args:
        - {name: reservation_id, type: string, required: true}
      requires: [reservation_id]
      produces: [reservation_status]
      clears: [reservation_id, preferred_date, preferred_time]
      timeout_ms: 3000
      side_effect: true
      idempotency: {scheme: request_id}
      invalidates: [tables]
  guardrails:
    - name: party_size_limit
      rule: 'tool != "reservation_create" || slots.party_size == nil || slots.party_size <= 20'
      message: groups above twenty need a human

- vertical: real-estate
  tools:
    - name: listing_search
      args:
        - {name: zone, type: string, required: false}
        - {name: operation, type: string, required: false}
        - {name: max_price, type: number, required: false}
      produces: [listings]
      timeout_ms: 2500
    - name: listing_detail
      args:
        - {name: listing_id, type: string, required: true}
      requires: [listing_id]
      produces: [listing_info]
      timeout_ms: 2000
    - name: visit_availability
      args:
        - {name: listing_id, type: string, required: true}
        - {name: preferred_date, type: string, required: true}
      requires: [listing_id, preferred_date]
      produces: [visit_slots]
      timeout_ms: 2000
    - name: visit_schedule
      args:
        - {name: listing_id, type: string, required: true}
        - {name: preferred_date, type: string, required: true}
        - {name: preferred_time, type: string, required: true}
        - {name: client_name, type: string, required: true}
        - {name: client_phone, type: string, required: true}
      requires: [listing_id, preferred_date, preferred_time, client_name, client_phone]
      produces: [visit_id, visit_status]
      timeout_ms: 3000
      side_effect: true
      after: visit_availability
      idempotency: {scheme: request_id}
      invalidates: [visits]
  guardrails:
    - name: price_cap
      rule: 'tool != "listing_search" || args.max_price == nil || args.max_price <= 10000000'
      message: price filter out of range

- vertical: e-commerce
  tools:
    - name: catalog_lookup
      args:
        - {name: product_query, type: string, required: false}
      produces: [products]
      timeout_ms: 1500
    - name: stock_check
      args:
        - {name: product_id, type: string, required: true}
      requires: [product_id]
      produces: [stock]
      timeout_ms: 1500
    - name: order_status
      args:
        - {name: order_id, type: string, required: true}
      requires: [order_id]
      produces: [order_info]
      timeout_ms: 2000
    - name: order_create
      args:
        - {name: product_id, type: string, required: true}
        - {name: quantity, type: number, required: true}
        - {name: client_name, type: string, required: true}
        - {name: client_email, type: string, required: true}
      requires: [product_id, quantity, client_name, client_email]
      produces: [order_id, order_info]
      timeout_ms: 4000
      side_effect: true
      after: stock_check
      idempotency: {scheme: request_id}
      invalidates: [stock]
  guardrails:
    - name: quantity_limit
      rule: 'tool != "order_create" || args.quantity == nil || args.quantity <= 50'
      message: bulk orders need a human

- vertical: generic
  tools:
    - name: business_hours
      args: []
      produces: [opening_hours]
      timeout_ms: 1000
    - name: faq_lookup
      args:
        - {name: question, type: string, required: true}
      produces: [answer]
      timeout_ms: 2000
  guardrails: []
`
